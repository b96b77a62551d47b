package ports

import (
	"context"
	"time"

	"neurotrader/internal/domain"
)

// OrderHandle identifies a submitted order on the venue. Settlement is
// reported against the handle, not the decision, so the venue stays unaware
// of the prediction pipeline.
type OrderHandle struct {
	OrderID    int64  // Venue's order ID
	Instrument string // Instrument the order was placed on
	Action     domain.Action
	Stake      float64   // Amount committed to the order
	EntryPrice float64   // Price at submission time
	PlacedAt   time.Time // Time the order was accepted by the venue
	ExpiresAt  time.Time // Time the order settles
}

// MarketDataProvider supplies candle history and a live candle stream.
// Implementations own transport, retry and backoff; failures surface as
// ErrConnectivity or ErrNoData.
type MarketDataProvider interface {
	// FetchCandles retrieves the ordered candle history for an instrument
	// over [from, to].
	FetchCandles(ctx context.Context, instrument string, from, to time.Time) ([]*domain.Candle, error)

	// StreamCandles starts a push-based candle stream. It takes handlers for
	// candle events and errors, and returns channels to observe and stop the
	// stream. Cancellation of ctx stops delivery promptly.
	StreamCandles(ctx context.Context, instrument string, handler func(candle *domain.Candle), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// OrderExecutor submits trade decisions to the venue and reports settlement.
type OrderExecutor interface {
	// SubmitOrder places the order described by the decision.
	// Fails with ErrRejectedByVenue if the venue refuses it.
	SubmitOrder(ctx context.Context, decision *domain.TradeDecision) (*OrderHandle, error)

	// AwaitSettlement blocks until the venue reports the order's settled
	// result or the timeout elapses, in which case it fails with
	// ErrOutcomeTimeout.
	AwaitSettlement(ctx context.Context, handle *OrderHandle, timeout time.Duration) (*domain.TradeOutcome, error)

	// AccountBalance retrieves the available balance used by stake sizing.
	AccountBalance(ctx context.Context) (float64, error)
}
