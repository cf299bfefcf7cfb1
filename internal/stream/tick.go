package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a validated last-traded-price update for one instrument.
type Tick struct {
	SecurityID string
	Price      decimal.Decimal
	Quantity   int
	At         time.Time
}

// Key is the tick identity used for idempotent ingestion. The provider may
// redeliver ticks after a reconnect; sinks deduplicate on this key.
func (t Tick) Key() string {
	return fmt.Sprintf("%s|%d|%s|%d", t.SecurityID, t.At.Unix(), t.Price.String(), t.Quantity)
}

// Sink receives validated ticks from a supervisor. Accept must be idempotent
// per tick key. Flush is called while draining at market close.
type Sink interface {
	Accept(ctx context.Context, groupID string, tick Tick) error
	Flush(ctx context.Context) error
}
