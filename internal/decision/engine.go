package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"neurotrader/internal/domain"
	"neurotrader/internal/ports"
)

// State is the per-instrument decision state.
type State string

const (
	StateIdle            State = "IDLE"
	StateAwaitingOutcome State = "AWAITING_OUTCOME"
)

// Config holds configuration for the decision engine.
type Config struct {
	MinConfidence      float64       // predictions below this yield NONE
	OutcomeTimeout     time.Duration // ceiling on the settlement wait
	MaxDecisionsPerDay int           // daily cap per instrument, 0 disables the cap
}

// OutcomeHandler receives a settled outcome together with the decision and
// prediction it belongs to.
type OutcomeHandler func(ctx context.Context, decision *domain.TradeDecision, prediction *domain.PredictionResult, outcome *domain.TradeOutcome)

// Engine maps predictions to trade actions. Each instrument runs the state
// machine IDLE -> AWAITING_OUTCOME -> IDLE: while a decision is open, further
// predictions for the same instrument resolve to NONE. Instruments are
// independent and proceed in parallel.
type Engine struct {
	cfg      Config
	logger   ports.Logger
	executor ports.OrderExecutor
	journal  ports.DecisionJournal
	stake    ports.StakePolicy

	// OnOutcome, when set, is invoked for every settled outcome. The feedback
	// collector hangs off this hook.
	OnOutcome OutcomeHandler

	mu     sync.Mutex
	states map[string]State
	today  map[string]int
	day    time.Time

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a decision engine.
func New(cfg Config, executor ports.OrderExecutor, journal ports.DecisionJournal, stake ports.StakePolicy, logger ports.Logger) (*Engine, error) {
	if logger == nil || executor == nil || journal == nil || stake == nil {
		return nil, fmt.Errorf("missing required dependencies for decision engine")
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("%w: MinConfidence must be in [0, 1]", ports.ErrConfigurationError)
	}
	if cfg.OutcomeTimeout <= 0 {
		return nil, fmt.Errorf("%w: OutcomeTimeout must be positive", ports.ErrConfigurationError)
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		executor: executor,
		journal:  journal,
		stake:    stake,
		states:   make(map[string]State),
		today:    make(map[string]int),
		now:      time.Now,
	}, nil
}

// State returns the current state for an instrument.
func (e *Engine) State(instrument string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[instrument]; ok {
		return s
	}
	return StateIdle
}

// SeedTodayCount primes the daily decision counter, e.g. from the journal
// after a restart.
func (e *Engine) SeedTodayCount(instrument string, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked()
	e.today[instrument] = count
}

// HandlePrediction runs the state machine for one prediction and returns the
// resulting decision. NONE decisions are returned but never submitted. Venue
// rejections and connectivity failures resolve to NONE and return the engine
// to IDLE; they are transient conditions, not fatal errors.
func (e *Engine) HandlePrediction(ctx context.Context, pred *domain.PredictionResult) (*domain.TradeDecision, error) {
	if pred == nil {
		return nil, fmt.Errorf("nil prediction")
	}

	none := &domain.TradeDecision{
		ID:           decisionID(pred.Instrument, e.now()),
		Instrument:   pred.Instrument,
		Action:       domain.ActionNone,
		Timestamp:    e.now().UTC(),
		PredictionID: pred.ID,
		ModelVersion: pred.ModelVersion,
	}

	e.mu.Lock()
	e.rolloverLocked()
	if e.states[pred.Instrument] == StateAwaitingOutcome {
		e.mu.Unlock()
		e.logger.Debug(ctx, "Decision already open for instrument, prediction ignored", map[string]interface{}{
			"instrument": pred.Instrument,
		})
		return none, nil
	}
	if e.cfg.MaxDecisionsPerDay > 0 && e.today[pred.Instrument] >= e.cfg.MaxDecisionsPerDay {
		e.mu.Unlock()
		e.logger.Debug(ctx, "Daily decision limit reached", map[string]interface{}{
			"instrument": pred.Instrument,
			"limit":      e.cfg.MaxDecisionsPerDay,
		})
		return none, nil
	}
	if pred.Direction == domain.DirectionFlat || pred.Confidence < e.cfg.MinConfidence {
		e.mu.Unlock()
		return none, nil
	}

	// Reserve the slot before releasing the lock so no concurrent prediction
	// can open a second decision for this instrument.
	e.states[pred.Instrument] = StateAwaitingOutcome
	e.mu.Unlock()

	decision, err := e.submit(ctx, pred)
	if err != nil {
		e.setState(pred.Instrument, StateIdle)
		if errors.Is(err, ports.ErrRejectedByVenue) || errors.Is(err, ports.ErrConnectivity) {
			e.logger.Warn(ctx, "Order not placed, treating as no-op decision", map[string]interface{}{
				"instrument": pred.Instrument,
				"reason":     err.Error(),
			})
			return none, nil
		}
		return nil, err
	}

	e.mu.Lock()
	e.today[pred.Instrument]++
	e.mu.Unlock()
	return decision, nil
}

// submit sizes the stake, places the order and starts the settlement wait.
// Called with the instrument slot already reserved.
func (e *Engine) submit(ctx context.Context, pred *domain.PredictionResult) (*domain.TradeDecision, error) {
	balance, err := e.executor.AccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching balance: %w", err)
	}

	stake := e.stake.Stake(ctx, pred.Instrument, balance)
	if stake <= 0 {
		return nil, fmt.Errorf("stake policy returned no stake (balance %.2f): %w", balance, ports.ErrRejectedByVenue)
	}

	action := domain.ActionCall
	if pred.Direction == domain.DirectionDown {
		action = domain.ActionPut
	}

	decision := &domain.TradeDecision{
		ID:           decisionID(pred.Instrument, e.now()),
		Instrument:   pred.Instrument,
		Action:       action,
		Stake:        stake,
		Timestamp:    e.now().UTC(),
		PredictionID: pred.ID,
		ModelVersion: pred.ModelVersion,
	}

	handle, err := e.executor.SubmitOrder(ctx, decision)
	if err != nil {
		return nil, fmt.Errorf("submitting order: %w", err)
	}

	if err := e.journal.RecordDecision(ctx, decision); err != nil {
		// The order is live; keep going and surface the bookkeeping failure.
		e.logger.Error(ctx, err, "Failed to journal decision", map[string]interface{}{"decisionID": decision.ID})
	}

	e.logger.Info(ctx, "Decision submitted", map[string]interface{}{
		"instrument": decision.Instrument,
		"action":     decision.Action,
		"stake":      decision.Stake,
		"prediction": decision.PredictionID,
	})

	e.wg.Add(1)
	go e.awaitOutcome(ctx, decision, pred, handle)
	return decision, nil
}

// awaitOutcome blocks on settlement and returns the instrument to IDLE.
// A timeout abandons the decision: OutcomeTimeout is reported and no training
// sample is produced.
func (e *Engine) awaitOutcome(ctx context.Context, decision *domain.TradeDecision, pred *domain.PredictionResult, handle *ports.OrderHandle) {
	defer e.wg.Done()
	defer e.setState(decision.Instrument, StateIdle)

	outcome, err := e.executor.AwaitSettlement(ctx, handle, e.cfg.OutcomeTimeout)
	if err != nil {
		if errors.Is(err, ports.ErrOutcomeTimeout) {
			e.logger.Warn(ctx, "Settlement wait timed out, decision abandoned", map[string]interface{}{
				"decisionID": decision.ID,
				"timeout":    e.cfg.OutcomeTimeout.String(),
			})
			return
		}
		e.logger.Error(ctx, err, "Settlement wait failed", map[string]interface{}{"decisionID": decision.ID})
		return
	}

	// Settlement is reported against the venue handle; attribute it here.
	outcome.DecisionID = decision.ID

	if err := e.journal.RecordOutcome(ctx, outcome); err != nil {
		e.logger.Error(ctx, err, "Failed to journal outcome", map[string]interface{}{"decisionID": decision.ID})
	}
	e.stake.RecordOutcome(ctx, outcome)

	e.logger.Info(ctx, "Decision settled", map[string]interface{}{
		"decisionID": decision.ID,
		"result":     outcome.Result,
		"payout":     outcome.Payout,
	})

	if e.OnOutcome != nil {
		e.OnOutcome(ctx, decision, pred, outcome)
	}
}

// Wait blocks until all settlement waits finish. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) setState(instrument string, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[instrument] = s
}

// rolloverLocked resets the daily counters when the UTC day changes.
// Caller holds e.mu.
func (e *Engine) rolloverLocked() {
	day := e.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(e.day) {
		e.day = day
		e.today = make(map[string]int)
	}
}

func decisionID(instrument string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", instrument, ts.UnixNano())
}
