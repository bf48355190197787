// Package slip mints human-readable sequence codes such as INV-20250301-000042.
package slip

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/membership-engine/ledger"
)

// Counter is the store capability the minter needs.
type Counter interface {
	NextSequence(ctx context.Context, typ ledger.SlipType, dateKey string) (int64, error)
}

// Minter formats codes from a per (type, day) counter. Uniqueness comes from
// the store's atomic increment, so a Minter is safe for concurrent use.
type Minter struct {
	Counter Counter
	Now     func() time.Time
}

func NewMinter(counter Counter) *Minter {
	return &Minter{Counter: counter, Now: func() time.Time { return time.Now().UTC() }}
}

// Next returns the next code for typ on the current day.
func (m *Minter) Next(ctx context.Context, typ ledger.SlipType) (string, error) {
	return m.NextAt(ctx, typ, m.Now())
}

// NextAt returns the next code for typ on the day of at.
func (m *Minter) NextAt(ctx context.Context, typ ledger.SlipType, at time.Time) (string, error) {
	key := ledger.DateKey(at)
	seq, err := m.Counter.NextSequence(ctx, typ, key)
	if err != nil {
		return "", fmt.Errorf("next %s sequence: %w", typ, err)
	}
	return Format(typ, key, seq), nil
}

func Format(typ ledger.SlipType, dateKey string, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", typ, dateKey, seq)
}
