package transfer

import (
	"math"
	"time"

	"github.com/docker/go-units"
)

// Progress is one sampled view of a running or finished transfer.
type Progress struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Direction        Direction `json:"direction"`
	Status           Status    `json:"status"`
	Transferred      int64     `json:"transferred"`
	Total            int64     `json:"total"`
	Percentage       float64   `json:"percentage"`
	Speed            float64   `json:"speed"`
	ETA              int64     `json:"eta"`
	Remaining        int64     `json:"remaining"`
	TransferredHuman string    `json:"transferredHuman"`
	SpeedHuman       string    `json:"speedHuman"`
	RemainingHuman   string    `json:"remainingHuman"`
}

// Tracker derives rate figures from cumulative byte counts. It is not safe
// for concurrent use; a Meter owns exactly one.
type Tracker struct {
	total     int64
	start     time.Time
	lastAt    time.Time
	lastBytes int64
	lastSpeed float64
}

// NewTracker starts a tracker for a transfer of total bytes (0 when unknown).
func NewTracker(total int64, start time.Time) *Tracker {
	return &Tracker{total: total, start: start, lastAt: start}
}

// Total returns the expected size.
func (t *Tracker) Total() int64 {
	return t.total
}

// SetTotal updates the expected size, used once an unknown length is known.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
}

// Sample computes progress at now. Speed covers the window since the
// previous sample; the first sample uses the window since start.
func (t *Tracker) Sample(transferred int64, now time.Time) Progress {
	window := now.Sub(t.lastAt).Seconds()
	speed := t.lastSpeed
	if window > 0 {
		delta := transferred - t.lastBytes
		if delta < 0 {
			delta = 0
		}
		speed = float64(delta) / window
		t.lastAt = now
		t.lastBytes = transferred
		t.lastSpeed = speed
	}

	remaining := t.total - transferred
	if remaining < 0 {
		remaining = 0
	}
	var eta int64
	if speed > 0 && remaining > 0 {
		eta = int64(math.Ceil(float64(remaining) / speed))
	}

	return Progress{
		Transferred:      transferred,
		Total:            t.total,
		Percentage:       Percentage(transferred, t.total),
		Speed:            round2(speed),
		ETA:              eta,
		Remaining:        remaining,
		TransferredHuman: units.BytesSize(float64(transferred)),
		SpeedHuman:       units.BytesSize(speed) + "/s",
		RemainingHuman:   units.BytesSize(float64(remaining)),
	}
}

// Elapsed returns the time since the tracker started.
func (t *Tracker) Elapsed(now time.Time) time.Duration {
	return now.Sub(t.start)
}

// Percentage returns transferred/total as a percentage with two decimals.
// Unknown totals report 0.
func Percentage(transferred, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(transferred) * 100 / float64(total)
	if pct > 100 {
		pct = 100
	}
	return round2(pct)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
