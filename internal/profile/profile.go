// Package profile tracks per-account behavioral baselines for the risk
// scorer: recent transaction amounts, active hours, recipients, and
// devices.
//
// Profiles live in memory as bounded ring buffers and are rehydrated
// from committed transaction history on startup, so a restart does not
// reset every account to cold start.
package profile

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Observation is one committed transaction's behavioral footprint.
type Observation struct {
	Amount      decimal.Decimal
	Recipient   string
	Fingerprint string
	At          time.Time
}

// Stats is an immutable snapshot of an account's baseline.
type Stats struct {
	Count        int
	MeanAmount   float64
	StddevAmount float64
	HourHist     [24]int
	Recipients   map[string]int
	Devices      map[string]int
}

// RecipientCount returns how often the recipient appears in the window.
func (s *Stats) RecipientCount(recipient string) int {
	return s.Recipients[recipient]
}

// DeviceCount returns how often the fingerprint appears in the window.
func (s *Stats) DeviceCount(fingerprint string) int {
	return s.Devices[fingerprint]
}

// HourTypical reports whether the hour falls within margin hours
// (circular) of any hour the account has transacted in before.
func (s *Stats) HourTypical(hour, margin int) bool {
	for h := 0; h < 24; h++ {
		if s.HourHist[h] == 0 {
			continue
		}
		d := hour - h
		if d < 0 {
			d = -d
		}
		if d > 12 {
			d = 24 - d
		}
		if d <= margin {
			return true
		}
	}
	return false
}

// AmountRatio returns amount divided by the mean observed amount, or 0
// when there is no usable baseline.
func (s *Stats) AmountRatio(amount decimal.Decimal) float64 {
	if s.Count == 0 || s.MeanAmount <= 0 {
		return 0
	}
	f, _ := amount.Float64()
	return f / s.MeanAmount
}

// Tracker holds ring buffers of recent observations per account.
type Tracker struct {
	window   int
	profiles sync.Map // map[string]*ring
}

type ring struct {
	mu   sync.Mutex
	buf  []Observation
	next int
	full bool
}

// NewTracker creates a tracker keeping the last window observations per
// account.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = 50
	}
	return &Tracker{window: window}
}

// Observe appends a committed transaction to the account's window.
// Only committed transactions feed the baseline; denied or failed ones
// would let an attacker drag the profile toward their own pattern.
func (t *Tracker) Observe(accountID string, obs Observation) {
	r := t.getRing(accountID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < t.window {
		r.buf = append(r.buf, obs)
		return
	}
	r.buf[r.next] = obs
	r.next = (r.next + 1) % t.window
	r.full = true
}

// Snapshot computes aggregate stats over the account's current window.
func (t *Tracker) Snapshot(accountID string) *Stats {
	r := t.getRing(accountID)
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Stats{
		Count:      len(r.buf),
		Recipients: make(map[string]int),
		Devices:    make(map[string]int),
	}
	if s.Count == 0 {
		return s
	}

	var sum, sumSq float64
	for _, obs := range r.buf {
		f, _ := obs.Amount.Float64()
		sum += f
		sumSq += f * f
		s.HourHist[obs.At.Hour()]++
		s.Recipients[obs.Recipient]++
		if obs.Fingerprint != "" {
			s.Devices[obs.Fingerprint]++
		}
	}
	n := float64(s.Count)
	s.MeanAmount = sum / n
	variance := sumSq/n - s.MeanAmount*s.MeanAmount
	if variance > 0 {
		s.StddevAmount = math.Sqrt(variance)
	}
	return s
}

// CountSince returns how many observations in the account's window are
// newer than the cutoff.
func (t *Tracker) CountSince(accountID string, since time.Time) int {
	r := t.getRing(accountID)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, obs := range r.buf {
		if obs.At.After(since) {
			n++
		}
	}
	return n
}

func (t *Tracker) getRing(accountID string) *ring {
	v, _ := t.profiles.LoadOrStore(accountID, &ring{})
	return v.(*ring)
}
