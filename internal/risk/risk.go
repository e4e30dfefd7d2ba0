// Package risk implements the heuristic multi-factor risk score priced into
// every listed claim.
//
// Four factors contribute "goodness" points within their weight band:
//
//	time decay   40  stream progress; mature streams are safer
//	reputation   30  failed transactions in the seller's history
//	liquidity    20  deposit size up to LiquidityThreshold
//	external     10  trust-registry flag on the sender
//
// The risk score is the complement: Σ(weight - contribution), rounded and
// clamped to [0, 100]. Higher is riskier. This is a pricing heuristic, not
// a credit assessment.
package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/stream-market/internal/accrual"
	"github.com/atmx/stream-market/internal/address"
	"github.com/atmx/stream-market/internal/model"
)

// Factor weights.
const (
	WeightTimeDecay  = 40.0
	WeightReputation = 30.0
	WeightLiquidity  = 20.0
	WeightExternal   = 10.0
)

const (
	timeDecayMax     = 30.0
	progressMature   = 0.8
	progressImmature = 0.1
	repeatFailurePts = -50.0
	trustedPts       = 10.0
	untrustedPts     = 5.0
	maxScore         = 100
)

// DefaultLiquidityThreshold is the deposit at which the liquidity factor
// saturates.
var DefaultLiquidityThreshold = decimal.NewFromInt(10000)

// Grade thresholds (inclusive upper bounds) and recommended discounts.
var (
	discountA = decimal.NewFromFloat(0.02)
	discountB = decimal.NewFromFloat(0.05)
	discountC = decimal.NewFromFloat(0.10)
	discountD = decimal.NewFromFloat(0.20)
)

// TrustRegistry reports whether a sender address is flagged trusted.
type TrustRegistry interface {
	IsTrusted(addr string) bool
}

// StaticRegistry is a fixed set of trusted addresses.
type StaticRegistry map[string]struct{}

// NewStaticRegistry builds a registry from a list of addresses. Entries are
// matched case-insensitively.
func NewStaticRegistry(addrs []string) StaticRegistry {
	r := make(StaticRegistry, len(addrs))
	for _, a := range addrs {
		if norm, err := address.Parse(a); err == nil {
			r[norm] = struct{}{}
		}
	}
	return r
}

// IsTrusted implements TrustRegistry.
func (r StaticRegistry) IsTrusted(addr string) bool {
	norm, err := address.Parse(addr)
	if err != nil {
		return false
	}
	_, ok := r[norm]
	return ok
}

// Scorer computes risk assessments. The zero value is not usable; use
// NewScorer.
type Scorer struct {
	registry           TrustRegistry
	liquidityThreshold decimal.Decimal
}

// NewScorer creates a scorer. A nil registry trusts nobody; a non-positive
// threshold falls back to DefaultLiquidityThreshold.
func NewScorer(registry TrustRegistry, liquidityThreshold decimal.Decimal) *Scorer {
	if liquidityThreshold.LessThanOrEqual(decimal.Zero) {
		liquidityThreshold = DefaultLiquidityThreshold
	}
	return &Scorer{registry: registry, liquidityThreshold: liquidityThreshold}
}

// MaxRisk is the fail-safe assessment for degenerate input.
func MaxRisk() model.RiskAssessment {
	return model.RiskAssessment{
		Score:               maxScore,
		Level:               model.RiskD,
		RecommendedDiscount: discountD,
	}
}

// Score assesses s as of now given the seller's transaction history.
// It never fails: a stream missing its start time, duration or deposit
// yields MaxRisk.
func (sc *Scorer) Score(s model.Stream, history []model.Transaction, now time.Time) model.RiskAssessment {
	if s.StartTime <= 0 || s.Duration <= 0 || !s.TotalDeposit.IsPositive() {
		return MaxRisk()
	}

	progress := accrual.Progress(s, now)
	failures := CountFailures(history)

	b := model.RiskBreakdown{
		TimeDecay:  TimeDecayScore(progress) / timeDecayMax * WeightTimeDecay,
		Reputation: ReputationScore(failures),
		Liquidity:  sc.LiquidityScore(s.TotalDeposit),
		External:   untrustedPts,
		Progress:   progress,
		Failures:   failures,
	}
	if sc.registry != nil && sc.registry.IsTrusted(s.Sender) {
		b.External = trustedPts
	}

	residual := (WeightTimeDecay - b.TimeDecay) +
		(WeightReputation - b.Reputation) +
		(WeightLiquidity - b.Liquidity) +
		(WeightExternal - b.External)

	score := int(math.Round(residual))
	if score < 0 {
		score = 0
	}
	if score > maxScore {
		score = maxScore
	}

	level, discount := Grade(score)
	return model.RiskAssessment{
		Score:               score,
		Level:               level,
		RecommendedDiscount: discount,
		Breakdown:           b,
	}
}

// TimeDecayScore maps progress to [0, 30]: 0 at or below 10%, 30 at or
// above 80%, linear in between.
func TimeDecayScore(progress float64) float64 {
	switch {
	case progress >= progressMature:
		return timeDecayMax
	case progress <= progressImmature:
		return 0
	default:
		return (progress - progressImmature) / (progressMature - progressImmature) * timeDecayMax
	}
}

// ReputationScore maps the failure count to [0, 30]. Two or more failures
// score -50 before clamping, i.e. zero.
func ReputationScore(failures int) float64 {
	var pts float64
	switch {
	case failures <= 0:
		pts = WeightReputation
	case failures == 1:
		pts = WeightReputation / 2
	default:
		pts = repeatFailurePts
	}
	return clamp(pts, 0, WeightReputation)
}

// LiquidityScore is linear in the deposit up to the threshold, capped at 20.
func (sc *Scorer) LiquidityScore(deposit decimal.Decimal) float64 {
	if !deposit.IsPositive() {
		return 0
	}
	if deposit.GreaterThanOrEqual(sc.liquidityThreshold) {
		return WeightLiquidity
	}
	ratio := deposit.Div(sc.liquidityThreshold).InexactFloat64()
	return clamp(ratio*WeightLiquidity, 0, WeightLiquidity)
}

// CountFailures counts failed or errored transactions.
func CountFailures(history []model.Transaction) int {
	n := 0
	for _, tx := range history {
		if tx.Failed() {
			n++
		}
	}
	return n
}

// Grade maps a score to its letter and recommended discount.
func Grade(score int) (model.RiskLevel, decimal.Decimal) {
	switch {
	case score <= 20:
		return model.RiskA, discountA
	case score <= 40:
		return model.RiskB, discountB
	case score <= 70:
		return model.RiskC, discountC
	default:
		return model.RiskD, discountD
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
