package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"gold-price-alerts/internal/pricing"
)

// DefaultRetention is the number of snapshots kept when none is configured.
const DefaultRetention = 3

// Snapshot is one persisted price observation. The JSON keys match the
// layout of the history file written by earlier releases.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"timestamp"`
	Estimate  *int64    `json:"estimate_price_toman"`
	Buy       *int64    `json:"buy_price_toman"`
	Sell      *int64    `json:"sell_price_toman"`
}

// NewSnapshot stamps a quote with a fresh id and the given time.
func NewSnapshot(q pricing.Quote, now time.Time) Snapshot {
	return Snapshot{
		ID:        uuid.NewString(),
		CreatedAt: now.UTC(),
		Estimate:  copyInt(q.Estimate),
		Buy:       copyInt(q.Buy),
		Sell:      copyInt(q.Sell),
	}
}

// History is the bounded, append-only snapshot log.
type History interface {
	// Append stores s and evicts the oldest entries beyond the retention.
	// The entry is durable once Append returns.
	Append(ctx context.Context, s Snapshot) error
	// Latest returns the newest snapshot, or nil when empty.
	Latest(ctx context.Context) (*Snapshot, error)
	// LatestTwo returns the newest snapshot and the one before it.
	LatestTwo(ctx context.Context) (current, previous *Snapshot, err error)
	// All returns every retained snapshot, oldest first.
	All(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// trim keeps the newest retention entries; retention <= 0 keeps everything.
func trim(snapshots []Snapshot, retention int) []Snapshot {
	if retention <= 0 || len(snapshots) <= retention {
		return snapshots
	}
	return snapshots[len(snapshots)-retention:]
}

func lastTwo(snapshots []Snapshot) (*Snapshot, *Snapshot) {
	switch n := len(snapshots); n {
	case 0:
		return nil, nil
	case 1:
		cur := snapshots[0]
		return &cur, nil
	default:
		cur, prev := snapshots[n-1], snapshots[n-2]
		return &cur, &prev
	}
}
