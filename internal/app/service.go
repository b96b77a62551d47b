package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"neurotrader/config"
	"neurotrader/internal/decision"
	"neurotrader/internal/domain"
	"neurotrader/internal/features"
	"neurotrader/internal/feedback"
	"neurotrader/internal/model"
	"neurotrader/internal/ports"
	"neurotrader/internal/predict"
	"neurotrader/internal/training"
	"neurotrader/internal/window"
)

// pipeline holds the per-instrument online path. Each instrument owns its
// feature engineer and window builder; model, journal and venue access are
// shared across instruments.
type pipeline struct {
	instrument string
	engineer   *features.Engineer
	builder    *window.Builder

	mu sync.Mutex // serializes candle handling for this instrument
}

// Service orchestrates the full loop: candles in, features, windows,
// predictions, decisions, outcomes and retraining.
type Service struct {
	cfg      *config.Config
	logger   ports.Logger
	market   ports.MarketDataProvider
	executor ports.OrderExecutor
	samples  ports.SampleRepository
	journal  ports.DecisionJournal

	store     *model.Store
	trainer   *training.Manager
	predictor *predict.Predictor
	engine    *decision.Engine
	collector *feedback.Collector

	modelCfg  domain.ModelConfig
	pipelines map[string]*pipeline
}

// Deps bundles the external collaborators the service is built from.
type Deps struct {
	Logger    ports.Logger
	Market    ports.MarketDataProvider
	Executor  ports.OrderExecutor
	Samples   ports.SampleRepository
	Journal   ports.DecisionJournal
	Artifacts ports.ArtifactPersistence
	Stake     ports.StakePolicy
}

// NewService wires the pipeline components from configuration.
func NewService(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil || deps.Logger == nil || deps.Market == nil || deps.Executor == nil ||
		deps.Samples == nil || deps.Journal == nil || deps.Stake == nil {
		return nil, fmt.Errorf("missing required dependencies for service")
	}

	featureCfg := features.Config{
		ShortMAPeriod:  cfg.ShortMAPeriod,
		LongMAPeriod:   cfg.LongMAPeriod,
		ShortEMAPeriod: cfg.ShortEMAPeriod,
		LongEMAPeriod:  cfg.LongEMAPeriod,
		RSIPeriod:      cfg.RSIPeriod,
		StochPeriod:    cfg.StochPeriod,
		StochSmooth:    cfg.StochSmooth,
		NormWindow:     cfg.NormWindow,
		GapTolerance:   cfg.GapTolerance,
	}

	// Builders and engineers are per instrument; create one probe engineer to
	// fix the feature count the model config depends on.
	probe, err := features.New(featureCfg, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("building feature engineer: %w", err)
	}

	modelCfg := domain.ModelConfig{
		SeqLen:       cfg.SeqLen,
		Horizon:      cfg.Horizon,
		FeatureCount: probe.FeatureCount(),
		HiddenSize:   cfg.HiddenSize,
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
	}

	store, err := model.NewStore(model.StoreConfig{
		Logger:      deps.Logger,
		Persistence: deps.Artifacts,
		Retention:   cfg.ModelRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("building model store: %w", err)
	}

	trainer, err := training.NewManager(training.Config{
		MinSamples:      cfg.MinSamples,
		ValidationSplit: cfg.ValidationSplit,
		RegressionBound: cfg.RegressionBound,
		Seed:            cfg.TrainingSeed,
		BalanceClasses:  cfg.BalanceClasses,
	}, modelCfg, store, deps.Samples, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("building training manager: %w", err)
	}

	predictor, err := predict.New(predict.Config{NeutralBand: cfg.NeutralBand}, modelCfg, store, predict.NewBucketCalibrator(0, 0), deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("building predictor: %w", err)
	}

	engine, err := decision.New(decision.Config{
		MinConfidence:      cfg.MinConfidence,
		OutcomeTimeout:     cfg.OutcomeTimeout,
		MaxDecisionsPerDay: cfg.MaxDecisionsPerDay,
	}, deps.Executor, deps.Journal, deps.Stake, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("building decision engine: %w", err)
	}

	collector, err := feedback.NewCollector(deps.Samples, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("building feedback collector: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		logger:    deps.Logger,
		market:    deps.Market,
		executor:  deps.Executor,
		samples:   deps.Samples,
		journal:   deps.Journal,
		store:     store,
		trainer:   trainer,
		predictor: predictor,
		engine:    engine,
		collector: collector,
		modelCfg:  modelCfg,
		pipelines: make(map[string]*pipeline),
	}

	for _, instrument := range cfg.Instruments {
		engineer, err := features.New(featureCfg, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("building feature engineer for %s: %w", instrument, err)
		}
		builder, err := window.New(window.Config{
			SeqLen:      cfg.SeqLen,
			Horizon:     cfg.Horizon,
			HorizonWait: s.horizonWait(),
		}, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("building window builder for %s: %w", instrument, err)
		}
		s.pipelines[instrument] = &pipeline{
			instrument: instrument,
			engineer:   engineer,
			builder:    builder,
		}
	}

	s.wireFeedback()
	return s, nil
}

// horizonWait defaults to a generous multiple of the horizon when unset.
func (s *Service) horizonWait() time.Duration {
	if s.cfg.HorizonWait > 0 {
		return s.cfg.HorizonWait
	}
	return time.Duration(3*s.cfg.Horizon) * time.Minute
}

// wireFeedback connects the learning loop: settled outcomes become samples,
// accumulated samples trigger retraining, a publish resets the counter.
func (s *Service) wireFeedback() {
	s.engine.OnOutcome = func(ctx context.Context, d *domain.TradeDecision, p *domain.PredictionResult, o *domain.TradeOutcome) {
		if o.Result != domain.OutcomeVoid {
			correct := o.Result == domain.OutcomeWin
			s.predictor.Observe(p.Value, correct)
		}
		if _, err := s.collector.Collect(ctx, d, p, o); err != nil {
			s.logger.Error(ctx, err, "Failed to collect feedback sample", map[string]interface{}{"decisionID": d.ID})
		}
	}

	s.collector.OnSample = func(instrument string, sinceTraining int) {
		if sinceTraining >= s.cfg.RetrainSampleThreshold {
			s.trainer.Trigger(context.Background(), instrument)
		}
	}

	s.trainer.OnPublished = func(instrument string) {
		s.collector.ResetCount(instrument)
	}
}

// Start runs the service until the context is canceled or a stream dies.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting prediction service...", map[string]interface{}{"instruments": s.cfg.Instruments})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	doneChs := make([]chan struct{}, 0, len(s.pipelines))
	stopChs := make([]chan struct{}, 0, len(s.pipelines))

	for _, pl := range s.pipelines {
		// Restore before training so a restart continues the persisted
		// version sequence and the bootstrap candidate is gated against
		// the restored active model.
		if err := s.restoreState(ctx, pl.instrument); err != nil {
			return err
		}

		if err := s.bootstrap(ctx, pl); err != nil {
			return fmt.Errorf("bootstrapping %s: %w", pl.instrument, err)
		}

		pl := pl
		doneCh, stopCh, err := s.market.StreamCandles(ctx, pl.instrument,
			func(candle *domain.Candle) { s.handleCandle(ctx, pl, candle) },
			func(err error) { s.handleStreamError(ctx, pl.instrument, err) },
		)
		if err != nil {
			return fmt.Errorf("starting candle stream for %s: %w", pl.instrument, err)
		}
		doneChs = append(doneChs, doneCh)
		stopChs = append(stopChs, stopCh)
		s.logger.Info(ctx, "Candle stream started", map[string]interface{}{"instrument": pl.instrument})

		go s.trainer.RunPeriodic(ctx, pl.instrument, s.cfg.RetrainInterval)
	}

	// Wait for shutdown or for any stream to give up.
	streamDead := make(chan struct{})
	var once sync.Once
	for _, doneCh := range doneChs {
		doneCh := doneCh
		go func() {
			<-doneCh
			once.Do(func() { close(streamDead) })
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info(ctx, "Context cancelled, initiating shutdown...")
	case <-streamDead:
		runErr = fmt.Errorf("candle stream stopped unexpectedly")
		s.logger.Error(ctx, runErr, "Stream failure, initiating shutdown...")
		cancel()
	}

	for _, stopCh := range stopChs {
		select {
		case stopCh <- struct{}{}:
		default:
		}
	}
	for _, doneCh := range doneChs {
		select {
		case <-doneCh:
		case <-time.After(5 * time.Second):
			s.logger.Warn(ctx, "Timeout waiting for candle stream to shut down")
		}
	}

	s.engine.Wait()
	s.trainer.Wait()

	s.logger.Info(ctx, "Prediction service stopped.")
	return runErr
}

// bootstrap replays candle history through the feature engineer, builds the
// initial training corpus and fits the first model. An instrument with too
// little history starts cold and trades only after enough feedback arrives.
func (s *Service) bootstrap(ctx context.Context, pl *pipeline) error {
	warmup := pl.engineer.RequiredHistory() + s.cfg.SeqLen + s.cfg.Horizon + s.cfg.MinSamples
	from := time.Now().Add(-time.Duration(warmup*2) * time.Minute)

	s.logger.Info(ctx, "Loading candle history", map[string]interface{}{
		"instrument": pl.instrument,
		"warmup":     warmup,
	})

	candles, err := s.market.FetchCandles(ctx, pl.instrument, from, time.Now())
	if err != nil {
		if errors.Is(err, ports.ErrNoData) {
			s.logger.Warn(ctx, "No candle history, starting cold", map[string]interface{}{"instrument": pl.instrument})
			return nil
		}
		return fmt.Errorf("fetching candle history: %w", err)
	}

	vectors, err := pl.engineer.Replay(ctx, candles)
	if err != nil && !errors.Is(err, ports.ErrInsufficientHistory) {
		return fmt.Errorf("replaying candle history: %w", err)
	}

	corpus, err := window.BuildCorpus(ctx, window.Config{
		SeqLen:      s.cfg.SeqLen,
		Horizon:     s.cfg.Horizon,
		HorizonWait: s.horizonWait(),
	}, s.logger, vectors)
	if err != nil {
		return fmt.Errorf("building initial corpus: %w", err)
	}
	for _, sample := range corpus {
		if err := s.samples.Append(ctx, sample); err != nil {
			return fmt.Errorf("storing corpus sample: %w", err)
		}
	}
	s.logger.Info(ctx, "Initial corpus built", map[string]interface{}{
		"instrument": pl.instrument,
		"candles":    len(candles),
		"samples":    len(corpus),
	})

	if _, err := s.trainer.TrainNow(ctx, pl.instrument); err != nil {
		if errors.Is(err, ports.ErrInsufficientTrainingData) {
			s.logger.Warn(ctx, "Not enough samples for initial training, starting cold", map[string]interface{}{"instrument": pl.instrument})
			return nil
		}
		if errors.Is(err, ports.ErrTrainingRejected) {
			s.logger.Warn(ctx, "Initial candidate rejected, keeping previous model", map[string]interface{}{"instrument": pl.instrument})
			return nil
		}
		return fmt.Errorf("initial training: %w", err)
	}
	return nil
}

// restoreState warm-loads persisted artifacts and the daily decision count
// after a restart.
func (s *Service) restoreState(ctx context.Context, instrument string) error {
	if err := s.store.Restore(ctx, instrument, s.modelCfg.Hash()); err != nil {
		s.logger.Warn(ctx, "Could not restore persisted artifacts", map[string]interface{}{
			"instrument": instrument,
			"error":      err.Error(),
		})
	}

	count, err := s.journal.CountTodayByInstrument(ctx, instrument)
	if err != nil {
		return fmt.Errorf("counting today's decisions for %s: %w", instrument, err)
	}
	s.engine.SeedTodayCount(instrument, count)
	s.logger.Info(ctx, "State restored", map[string]interface{}{"instrument": instrument, "decisionsToday": count})
	return nil
}

// handleCandle is the online lane: one final candle in, at most one decision
// out. Non-final candles are ignored.
func (s *Service) handleCandle(ctx context.Context, pl *pipeline, candle *domain.Candle) {
	if !candle.IsFinal {
		return
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	vec, err := pl.engineer.Append(ctx, candle)
	if err != nil {
		if errors.Is(err, ports.ErrInsufficientHistory) {
			// The engineer dropped its buffer, so the builder's vectors and
			// pending windows span the gap and must go too.
			pl.builder.Reset()
			s.logger.Warn(ctx, "Candle gap detected, feature and window state reset", map[string]interface{}{
				"instrument": pl.instrument,
				"closeTime":  candle.CloseTime,
			})
			return
		}
		s.logger.Error(ctx, err, "Feature computation failed", map[string]interface{}{"instrument": pl.instrument})
		return
	}
	if vec == nil {
		// Warm-up, duplicate or out-of-order candle.
		return
	}

	matured, err := pl.builder.Push(ctx, vec)
	if err != nil {
		s.logger.Error(ctx, err, "Window push failed", map[string]interface{}{"instrument": pl.instrument})
		return
	}
	for _, sample := range matured {
		if err := s.samples.Append(ctx, sample); err != nil {
			s.logger.Error(ctx, err, "Failed to store matured sample", map[string]interface{}{"instrument": pl.instrument})
		}
	}

	win, ok := pl.builder.Current()
	if !ok {
		return
	}

	pred, err := s.predictor.Predict(ctx, win)
	if err != nil {
		if errors.Is(err, ports.ErrNoModelAvailable) {
			s.logger.Debug(ctx, "No model yet, skipping prediction", map[string]interface{}{"instrument": pl.instrument})
			return
		}
		s.logger.Error(ctx, err, "Prediction failed", map[string]interface{}{"instrument": pl.instrument})
		return
	}

	if _, err := s.engine.HandlePrediction(ctx, pred); err != nil {
		s.logger.Error(ctx, err, "Decision handling failed", map[string]interface{}{"instrument": pl.instrument})
	}
}

// handleStreamError logs stream-level failures. Reconnection is owned by the
// market data adapter.
func (s *Service) handleStreamError(ctx context.Context, instrument string, err error) {
	s.logger.Error(ctx, err, "Candle stream error reported", map[string]interface{}{"instrument": instrument})
}

// TotalPayout reports the cumulative settled payout across all instruments.
func (s *Service) TotalPayout(ctx context.Context) (float64, error) {
	return s.journal.TotalPayout(ctx)
}
