package aggregate

import (
	"math"

	"github.com/castprotocol/resolutiond/internal/domain"
	"github.com/castprotocol/resolutiond/internal/evidence"
)

// Signal weight caps. Evidence is the dominant signal.
const (
	BettingCap  = 25.0
	EvidenceCap = 45.0
	ExternalCap = 30.0
)

// evidenceScale converts count x avg-credibility into confidence points; five
// submissions at 0.8 credibility land just under the evidence cap.
const evidenceScale = 9.5

// externalScale converts source agreement into confidence points; three
// sources at 0.9 alignment come close to the external cap.
const externalScale = 10.5

// bettingSignal converts the stake skew into up to BettingCap points toward
// the dominant side. A 50/50 split contributes nothing; the signal saturates
// once >=80% of volume sits on one side.
func bettingSignal(tally domain.VolumeTally) (domain.Outcome, float64) {
	side, skew := tally.Skew()
	if tally.Total() <= 0 {
		return side, 0
	}
	// Map skew in [0.5,0.8] linearly onto [0,cap], flat above.
	points := (skew - 0.5) / 0.3 * BettingCap
	return side, clamp(points, 0, BettingCap)
}

// evidenceSignal scores the stronger-evidenced side from the count and
// average credibility of valid submissions supporting each outcome.
func evidenceSignal(batch evidence.BatchResult) (domain.Outcome, float64) {
	yesCount, yesCred := sideStats(batch.Valid, domain.OutcomeYes)
	noCount, noCred := sideStats(batch.Valid, domain.OutcomeNo)

	yesPts := math.Min(EvidenceCap, float64(yesCount)*yesCred*evidenceScale)
	noPts := math.Min(EvidenceCap, float64(noCount)*noCred*evidenceScale)

	if noPts > yesPts {
		return domain.OutcomeNo, noPts - yesPts
	}
	return domain.OutcomeYes, yesPts - noPts
}

func sideStats(subs []domain.EvidenceSubmission, side domain.Outcome) (int, float64) {
	count := 0
	sum := 0.0
	for _, s := range subs {
		if s.Supports != side {
			continue
		}
		count++
		sum += s.SourceCredibility
	}
	if count == 0 {
		return 0, 0
	}
	return count, sum / float64(count)
}

// externalSignal scores agreement across independent external sources. Only
// sources that take a position count; alignment is relevance-weighted
// agreement with the majority position.
func externalSignal(result domain.VerificationResult) (domain.Outcome, float64) {
	var yesAlign, noAlign float64
	var yesN, noN int
	for _, src := range result.Sources {
		if src.Supports == nil {
			continue
		}
		align := src.Relevance * result.Reliability
		if *src.Supports {
			yesAlign += align
			yesN++
		} else {
			noAlign += align
			noN++
		}
	}

	side := domain.OutcomeYes
	count, align := yesN, yesAlign
	if noAlign > yesAlign {
		side, count, align = domain.OutcomeNo, noN, noAlign
	}
	if count == 0 {
		return side, 0
	}
	avgAlign := align / float64(count)
	pts := math.Min(ExternalCap, float64(count)*avgAlign*externalScale)
	return side, pts
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
