package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickRecord is a persisted last-traded-price observation.
type TickRecord struct {
	GroupID    string
	SecurityID string
	Price      decimal.Decimal
	Quantity   int
	TickAt     time.Time
	CreatedAt  time.Time
}
