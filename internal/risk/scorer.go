package risk

import (
	"context"
	"math"
	"time"

	"github.com/okapipay/okapi/internal/config"
	"github.com/okapipay/okapi/internal/idgen"
	"github.com/okapipay/okapi/internal/logging"
	"github.com/okapipay/okapi/internal/metrics"
	"github.com/okapipay/okapi/internal/profile"
)

// Scorer evaluates transactions against behavioral baselines.
type Scorer struct {
	cfg     *config.Config
	tracker *profile.Tracker
	store   Store
}

// NewScorer creates a scorer over the given profile tracker and audit store.
func NewScorer(cfg *config.Config, tracker *profile.Tracker, store Store) *Scorer {
	return &Scorer{cfg: cfg, tracker: tracker, store: store}
}

// Score evaluates a transaction. Pure in-memory computation over the
// profile snapshot; the assessment is persisted for audit but a storage
// failure never blocks the decision.
func (s *Scorer) Score(ctx context.Context, in *Input) *Assessment {
	stats := s.tracker.Snapshot(in.AccountID)
	coldStart := stats.Count < s.cfg.MinHistory || !s.cfg.BehavioralAnalysis

	factors := map[string]float64{
		SignalAmount:         0,
		SignalVelocity:       0,
		SignalNewDevice:      0,
		SignalNewRecipient:   0,
		SignalOffHours:       0,
		SignalLimitProximity: s.limitProximitySignal(in),
	}
	if !coldStart {
		factors[SignalAmount] = s.amountSignal(stats, in)
		factors[SignalVelocity] = s.velocitySignal(in)
		factors[SignalNewDevice] = s.newDeviceSignal(stats, in)
		factors[SignalNewRecipient] = s.newRecipientSignal(stats, in)
		factors[SignalOffHours] = s.offHoursSignal(stats, in)
	}

	score := 100 * (factors[SignalAmount]*s.cfg.WeightAmount +
		factors[SignalVelocity]*s.cfg.WeightVelocity +
		factors[SignalNewDevice]*s.cfg.WeightNewDevice +
		factors[SignalNewRecipient]*s.cfg.WeightNewRecipient +
		factors[SignalOffHours]*s.cfg.WeightOffHours +
		factors[SignalLimitProximity]*s.cfg.WeightLimitProximity)
	score = clamp(score, 0, 100)

	decision := DecisionAllow
	switch {
	case score >= s.cfg.DenyThreshold:
		decision = DecisionDeny
	case score >= s.cfg.FlagThreshold:
		decision = DecisionFlag
	}
	metrics.RiskDecisionsTotal.WithLabelValues(string(decision)).Inc()

	a := &Assessment{
		ID:            idgen.WithPrefix("risk_"),
		TransactionID: in.Transaction,
		AccountID:     in.AccountID,
		Score:         math.Round(score*10) / 10,
		Factors:       factors,
		Decision:      decision,
		ColdStart:     coldStart,
		EvaluatedAt:   time.Now(),
	}
	if s.store != nil {
		if err := s.store.Record(ctx, a); err != nil {
			logging.L(ctx).Error("failed to record risk assessment",
				"assessment_id", a.ID, "transaction_id", a.TransactionID, "error", err)
		}
	}
	return a
}

// amountSignal scales with how far the amount sits above the baseline
// mean: at the mean or below = 0, 10x the mean = 1.0, log10 in between.
// Accounts whose spending genuinely varies get headroom: anything
// within two standard deviations of the mean is not anomalous.
func (s *Scorer) amountSignal(stats *profile.Stats, in *Input) float64 {
	ratio := stats.AmountRatio(in.Amount)
	if ratio <= 1 {
		return 0
	}
	if stats.StddevAmount > 0 {
		f, _ := in.Amount.Float64()
		if (f-stats.MeanAmount)/stats.StddevAmount < 2 {
			return 0
		}
	}
	return round3(clamp(math.Log10(ratio), 0, 1))
}

// velocitySignal: committed transactions inside the velocity window,
// including this one, as a fraction of the configured ceiling.
func (s *Scorer) velocitySignal(in *Input) float64 {
	if s.cfg.VelocityMax <= 0 {
		return 0
	}
	count := in.RecentCount + 1
	return round3(clamp(float64(count)/float64(s.cfg.VelocityMax), 0, 1))
}

// newDeviceSignal: never-seen fingerprint = 1.0, seen once or twice =
// 0.5, established = 0.
func (s *Scorer) newDeviceSignal(stats *profile.Stats, in *Input) float64 {
	switch n := stats.DeviceCount(in.Fingerprint); {
	case n >= 3:
		return 0
	case n >= 1:
		return 0.5
	default:
		return 1.0
	}
}

// newRecipientSignal: a recipient the account has never paid inside the
// profile window scores full strength; any prior payment clears it.
func (s *Scorer) newRecipientSignal(stats *profile.Stats, in *Input) float64 {
	if stats.RecipientCount(in.Recipient) > 0 {
		return 0
	}
	return 1.0
}

// offHoursSignal: full weight when the hour falls outside the account's
// active hours plus the configured margin.
func (s *Scorer) offHoursSignal(stats *profile.Stats, in *Input) float64 {
	if stats.HourTypical(in.At.Hour(), s.cfg.OffHoursMargin) {
		return 0
	}
	return 1.0
}

// limitProximitySignal rises once the day's cumulative spend (including
// this transaction) passes half the daily limit, reaching 1.0 at the
// limit. Applies even during cold start since it needs no history.
func (s *Scorer) limitProximitySignal(in *Input) float64 {
	if s.cfg.DailyLimit.IsZero() {
		return 0
	}
	spent := in.DailySpent.Add(in.Amount)
	ratio, _ := spent.Div(s.cfg.DailyLimit).Float64()
	if ratio <= 0.5 {
		return 0
	}
	return round3(clamp((ratio-0.5)/0.5, 0, 1))
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

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
