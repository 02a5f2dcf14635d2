package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Resolution(string marketId,string outcome,uint256 confidenceBps,uint256 decidedAt)
	resolutionTypeHash = ethcrypto.Keccak256(
		[]byte("Resolution(string marketId,string outcome,uint256 confidenceBps,uint256 decidedAt)"),
	)

	// Settlement(string planId,string marketId,string outcome,uint256 txCount,bytes32 txsHash)
	settlementTypeHash = ethcrypto.Keccak256(
		[]byte("Settlement(string planId,string marketId,string outcome,uint256 txCount,bytes32 txsHash)"),
	)
)

// Signer produces EIP-712 attestation signatures over finalized decisions and
// settlement plans, so downstream consumers can verify that a payout batch was
// emitted by the resolution engine.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and the
// target chain ID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	s := &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
	s.domainSep = buildDomainSeparator("CastResolution", "1", chainID)
	return s, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignResolution signs a finalized resolution decision. Confidence is encoded
// in basis points to avoid floating point in the signed payload.
func (s *Signer) SignResolution(d domain.ResolutionDecision) (string, error) {
	confidenceBps := big.NewInt(int64(d.Confidence * 100))

	structHash := ethcrypto.Keccak256(
		concatBytes(
			resolutionTypeHash,
			ethcrypto.Keccak256([]byte(d.MarketID)),
			ethcrypto.Keccak256([]byte(d.Outcome)),
			bigIntTo32Bytes(confidenceBps),
			bigIntTo32Bytes(big.NewInt(d.CreatedAt.Unix())),
		),
	)

	return s.signDigest(eip712Hash(s.domainSep, structHash))
}

// SignSettlement signs a settlement plan. The transactions are folded into a
// single keccak hash over their canonical order, binding the signature to the
// exact payout sequence.
func (s *Signer) SignSettlement(plan domain.SettlementPlan) (string, error) {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			settlementTypeHash,
			ethcrypto.Keccak256([]byte(plan.ID)),
			ethcrypto.Keccak256([]byte(plan.MarketID)),
			ethcrypto.Keccak256([]byte(plan.Outcome)),
			bigIntTo32Bytes(big.NewInt(int64(len(plan.Transactions)))),
			hashTransactions(plan.Transactions),
		),
	)

	return s.signDigest(eip712Hash(s.domainSep, structHash))
}

// hashTransactions folds a plan's transactions into one 32-byte digest.
func hashTransactions(txs []domain.SettlementTx) []byte {
	var buf []byte
	for _, t := range txs {
		entry := fmt.Sprintf("%s|%s|%s|%.8f", t.DisputeID, t.Recipient, t.Action, t.Amount)
		buf = append(buf, ethcrypto.Keccak256([]byte(entry))...)
	}
	return ethcrypto.Keccak256(buf)
}

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func buildDomainSeparator(name, version string, chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
