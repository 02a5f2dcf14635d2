package s3blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// maxAttachmentSize bounds a single evidence attachment at 16 MiB.
const maxAttachmentSize = 16 * 1024 * 1024

// AttachmentStore implements domain.AttachmentStore with content-addressed
// keys: the reference handed back to the submitter is the keccak256 hex of
// the bytes, so an attachment cannot be swapped out after submission.
type AttachmentStore struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewAttachmentStore creates an AttachmentStore over the blob writer/reader
// pair.
func NewAttachmentStore(writer domain.BlobWriter, reader domain.BlobReader) *AttachmentStore {
	return &AttachmentStore{writer: writer, reader: reader}
}

func attachmentPath(ref string) string {
	return "attachments/" + ref
}

// PutAttachment stores the bytes under their keccak256 hash and returns the
// hex reference. Re-uploading identical bytes is a no-op.
func (s *AttachmentStore) PutAttachment(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("s3blob: empty attachment: %w", domain.ErrInvalidInput)
	}
	if len(data) > maxAttachmentSize {
		return "", fmt.Errorf("s3blob: attachment exceeds %d bytes: %w", maxAttachmentSize, domain.ErrInvalidInput)
	}

	ref := hex.EncodeToString(ethcrypto.Keccak256(data))
	path := attachmentPath(ref)

	exists, err := s.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: check attachment %s: %w", ref, err)
	}
	if exists {
		return ref, nil
	}

	if err := s.writer.Put(ctx, path, bytes.NewReader(data), contentType); err != nil {
		return "", fmt.Errorf("s3blob: put attachment %s: %w", ref, err)
	}
	return ref, nil
}

// GetAttachment retrieves attachment bytes by their content reference and
// verifies they still hash to it.
func (s *AttachmentStore) GetAttachment(ctx context.Context, ref string) ([]byte, error) {
	body, err := s.reader.Get(ctx, attachmentPath(ref))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("s3blob: read attachment %s: %w", ref, err)
	}

	if got := hex.EncodeToString(ethcrypto.Keccak256(data)); got != ref {
		return nil, fmt.Errorf("s3blob: attachment %s content hash mismatch (got %s)", ref, got)
	}
	return data, nil
}

// Compile-time interface check.
var _ domain.AttachmentStore = (*AttachmentStore)(nil)
