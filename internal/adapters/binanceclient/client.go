package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"neurotrader/internal/domain"
	"neurotrader/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.MarketDataProvider and ports.OrderExecutor
// interfaces using the go-binance library. Fixed-expiry decisions are
// emulated on futures: a CALL opens a long, a PUT opens a short, and the
// position is flattened at expiry to settle the outcome.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	interval             string
	expiry               time.Duration
	settleAsset          string
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	Interval             string        // Candle interval (e.g., "1m")
	Expiry               time.Duration // How long a submitted order stays open
	SettleAsset          string        // Asset the balance is reported in (e.g., "USDT")
	ReconnectDelay       time.Duration // Base delay between stream reconnect attempts
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	interval := cfg.Interval
	if interval == "" {
		interval = "1m"
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}
	settleAsset := cfg.SettleAsset
	if settleAsset == "" {
		settleAsset = "USDT"
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		interval:             interval,
		expiry:               expiry,
		settleAsset:          settleAsset,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to ports errors.
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrConnectivity
		case -1021: // Timestamp outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1121: // Invalid symbol
			mappedErr = ports.ErrNoData
		case -2010, -2022: // New order rejected / ReduceOnly order rejected
			mappedErr = ports.ErrRejectedByVenue
		case -2013: // Order does not exist
			mappedErr = ports.ErrNotFound
		case -2019, -3005, -3041: // Insufficient margin or balance
			mappedErr = ports.ErrRejectedByVenue
		case -4003, -4014, -4015: // Qty/price/leverage out of range
			mappedErr = ports.ErrRejectedByVenue
		default:
			mappedErr = ports.ErrConnectivity
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectivity, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectivity, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the venue API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// markPrice retrieves the current mark price for an instrument.
func (c *Client) markPrice(ctx context.Context, instrument string) (float64, error) {
	op := "markPrice"
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(instrument).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no price data returned for instrument %s: %w", instrument, ports.ErrNoData)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].MarkPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// --- MarketDataProvider Implementation ---

// FetchCandles retrieves the ordered candle history for an instrument over
// [from, to], paging through the venue's per-request limit.
func (c *Client) FetchCandles(ctx context.Context, instrument string, from, to time.Time) ([]*domain.Candle, error) {
	op := "FetchCandles"
	var all []*domain.Candle
	const maxLimit = 1500
	cursor := from

	for {
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(instrument).
			Interval(c.interval).
			StartTime(cursor.UnixMilli()).
			EndTime(to.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, bk := range klines {
			candle, err := translateKline(bk, instrument)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical candle: %w", err), op)
			}
			all = append(all, candle)
		}
		last := klines[len(klines)-1]
		cursor = time.UnixMilli(last.CloseTime)
		if cursor.After(to) || len(klines) < maxLimit {
			break
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("%s: no candles for instrument %s in range: %w", op, instrument, ports.ErrNoData)
	}
	return all, nil
}

// StreamCandles starts a WebSocket stream of candle data with automatic
// reconnection and exponential backoff.
func (c *Client) StreamCandles(ctx context.Context, instrument string, handler func(candle *domain.Candle), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamCandles"
	wsCtx, cancelWs := context.WithCancel(ctx)

	// Wrapper for the domain handler to perform translation
	binanceHandler := func(event *futures.WsKlineEvent) {
		candle, err := translateWsKline(event, instrument)
		if err != nil {
			c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket candle event")
			return
		}
		handler(candle)
	}

	binanceErrHandler := func(err error) {
		translatedErr := c.handleError(wsCtx, err, op+" WebSocket")
		c.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{"error": translatedErr})
		errHandler(translatedErr)
	}

	// Reconnection loop
	go func() {
		defer cancelWs()

		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				c.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.", map[string]interface{}{"instrument": instrument})
				return
			default:
				c.logger.Info(wsCtx, op+": Attempting WebSocket connection...", map[string]interface{}{"instrument": instrument, "attempt": attempt + 1})
				innerDoneCh, innerStopCh, connectErr := futures.WsKlineServe(instrument, c.interval, binanceHandler, binanceErrHandler)

				if connectErr != nil {
					c.handleError(wsCtx, connectErr, op+" connection attempt")
					attempt++
					if attempt >= c.maxReconnectAttempts {
						c.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"instrument": instrument, "maxAttempts": c.maxReconnectAttempts})
						return
					}

					// Exponential backoff with jitter
					delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
					jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
					actualDelay := delay + jitter
					c.logger.Info(wsCtx, op+": Connection failed, retrying...", map[string]interface{}{"instrument": instrument, "attempt": attempt + 1, "delay": actualDelay.String()})

					select {
					case <-time.After(actualDelay):
						continue
					case <-wsCtx.Done():
						return
					}
				}

				c.logger.Info(wsCtx, op+": WebSocket connection established.", map[string]interface{}{"instrument": instrument})
				attempt = 0

				select {
				case <-innerDoneCh:
					c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...", map[string]interface{}{"instrument": instrument})
				case <-wsCtx.Done():
					c.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.", map[string]interface{}{"instrument": instrument})
					select {
					case innerStopCh <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	// Link the external stopCh to the internal context cancellation.
	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.", map[string]interface{}{"instrument": instrument})
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

// --- OrderExecutor Implementation ---

// SubmitOrder opens the position described by the decision. The stake is
// converted to quantity at the current mark price.
func (c *Client) SubmitOrder(ctx context.Context, decision *domain.TradeDecision) (*ports.OrderHandle, error) {
	op := "SubmitOrder"
	if decision.Action == domain.ActionNone {
		return nil, fmt.Errorf("%s: refusing to submit a NONE decision: %w", op, ports.ErrRejectedByVenue)
	}

	entryPrice, err := c.markPrice(ctx, decision.Instrument)
	if err != nil {
		return nil, err
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("%s: non-positive mark price for %s: %w", op, decision.Instrument, ports.ErrNoData)
	}

	side := futures.SideTypeBuy
	if decision.Action == domain.ActionPut {
		side = futures.SideTypeSell
	}
	quantity := strconv.FormatFloat(decision.Stake/entryPrice, 'f', 3, 64)

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(decision.Instrument).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	placedAt := time.UnixMilli(order.UpdateTime)
	if order.UpdateTime == 0 {
		placedAt = time.Now().UTC()
	}

	handle := &ports.OrderHandle{
		OrderID:    order.OrderID,
		Instrument: decision.Instrument,
		Action:     decision.Action,
		Stake:      decision.Stake,
		EntryPrice: entryPrice,
		PlacedAt:   placedAt,
		ExpiresAt:  placedAt.Add(c.expiry),
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"instrument": decision.Instrument,
		"action":     decision.Action,
		"stake":      decision.Stake,
		"orderID":    handle.OrderID,
		"entryPrice": entryPrice,
		"expiresAt":  handle.ExpiresAt,
	})
	return handle, nil
}

// AwaitSettlement waits for the handle's expiry, flattens the position and
// classifies the outcome against the entry price. The timeout caps the total
// wait including the closing order.
func (c *Client) AwaitSettlement(ctx context.Context, handle *ports.OrderHandle, timeout time.Duration) (*domain.TradeOutcome, error) {
	op := "AwaitSettlement"
	deadline := time.Now().Add(timeout)

	wait := time.Until(handle.ExpiresAt)
	if wait > 0 {
		if handle.ExpiresAt.After(deadline) {
			// The expiry can never be observed within the allowed wait.
			select {
			case <-time.After(timeout):
				return nil, fmt.Errorf("%s: expiry %s beyond allowed wait: %w", op, handle.ExpiresAt, ports.ErrOutcomeTimeout)
			case <-ctx.Done():
				return nil, fmt.Errorf("%s canceled: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
			}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s canceled: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
		}
	}

	settleCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	exitPrice, err := c.closePosition(settleCtx, handle)
	if err != nil {
		if errors.Is(err, ports.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: settlement not observed in time: %w", op, ports.ErrOutcomeTimeout)
		}
		return nil, err
	}

	outcome := classifyOutcome(handle, exitPrice)
	c.logger.Info(ctx, op+" settled", map[string]interface{}{
		"orderID":    handle.OrderID,
		"instrument": handle.Instrument,
		"result":     outcome.Result,
		"payout":     outcome.Payout,
		"exitPrice":  exitPrice,
	})
	return outcome, nil
}

// closePosition flattens the position opened for the handle with an opposite
// market order and returns the realized exit price.
func (c *Client) closePosition(ctx context.Context, handle *ports.OrderHandle) (float64, error) {
	op := "closePosition"
	side := futures.SideTypeSell
	if handle.Action == domain.ActionPut {
		side = futures.SideTypeBuy
	}
	quantity := strconv.FormatFloat(handle.Stake/handle.EntryPrice, 'f', 3, 64)

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(handle.Instrument).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	exitPrice, err := strconv.ParseFloat(order.AvgPrice, 64)
	if err != nil || exitPrice <= 0 {
		// Fall back to the mark price when the fill price is not reported.
		return c.markPrice(ctx, handle.Instrument)
	}
	return exitPrice, nil
}

// AccountBalance retrieves the available balance in the settle asset.
func (c *Client) AccountBalance(ctx context.Context) (float64, error) {
	op := "AccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == c.settleAsset {
			balance, err := strconv.ParseFloat(bal.AvailableBalance, 64)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.AvailableBalance, c.settleAsset, err)
				return 0, c.handleError(ctx, parseErr, op)
			}
			return balance, nil
		}
	}

	err = fmt.Errorf("asset %s not found in account balance: %w", c.settleAsset, ports.ErrNoData)
	return 0, c.handleError(ctx, err, op)
}

// classifyOutcome maps the exit price against the entry into a settled
// outcome. A flat exit settles as void with the stake returned.
func classifyOutcome(handle *ports.OrderHandle, exitPrice float64) *domain.TradeOutcome {
	outcome := &domain.TradeOutcome{
		Instrument: handle.Instrument,
		SettledAt:  time.Now().UTC(),
	}

	move := exitPrice - handle.EntryPrice
	if handle.Action == domain.ActionPut {
		move = -move
	}

	qty := handle.Stake / handle.EntryPrice
	switch {
	case move > 0:
		outcome.Result = domain.OutcomeWin
		outcome.Payout = move * qty
	case move < 0:
		outcome.Result = domain.OutcomeLoss
		outcome.Payout = move * qty
	default:
		outcome.Result = domain.OutcomeVoid
		outcome.Payout = 0
	}
	return outcome
}

// --- Translation Helpers ---

func translateWsKline(event *futures.WsKlineEvent, instrument string) (*domain.Candle, error) {
	if event == nil {
		return nil, errors.New("received nil kline event")
	}
	k := event.Kline
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", k.Low, err)
	}
	cls, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", k.Close, err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", k.Volume, err)
	}

	return &domain.Candle{
		Instrument: instrument,
		OpenTime:   time.UnixMilli(k.StartTime),
		CloseTime:  time.UnixMilli(k.EndTime),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cls,
		Volume:     vol,
		IsFinal:    k.IsFinal,
	}, nil
}

func translateKline(bk *futures.Kline, instrument string) (*domain.Candle, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Candle{
		Instrument: instrument,
		OpenTime:   time.UnixMilli(bk.OpenTime),
		CloseTime:  time.UnixMilli(bk.CloseTime),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cls,
		Volume:     vol,
		IsFinal:    true, // Historical candles are always final
	}, nil
}
