package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Instruments and market data
	Instruments []string // Instruments traded in parallel (e.g., "ETHUSDT,BTCUSDT")
	Interval    string   // Candle interval (e.g., "1m")
	SettleAsset string   // Asset balances are reported in

	// Feature Parameters
	ShortMAPeriod  int // e.g., 20
	LongMAPeriod   int // e.g., 50
	ShortEMAPeriod int
	LongEMAPeriod  int
	RSIPeriod      int           // e.g., 14
	StochPeriod    int           // %K lookback
	StochSmooth    int           // %D smoothing
	NormWindow     int           // Trailing window for rolling normalization
	GapTolerance   time.Duration // Max gap between candles before state reset

	// Model Parameters
	SeqLen       int
	Horizon      int
	HiddenSize   int
	Epochs       int
	BatchSize    int
	LearningRate float64
	HorizonWait  time.Duration // How long a pending window may wait for its label

	// Training Parameters
	MinSamples             int
	ValidationSplit        float64
	RegressionBound        float64 // Allowed validation-loss regression vs. the active model
	TrainingSeed           int64
	BalanceClasses         bool
	RetrainInterval        time.Duration
	RetrainSampleThreshold int // Feedback samples accumulated before a retrain triggers
	ModelRetention         int // Versions kept per instrument/config

	// Decision Parameters
	NeutralBand        float64 // |prediction value| below this reads as flat
	MinConfidence      float64
	OutcomeTimeout     time.Duration
	MaxDecisionsPerDay int
	Expiry             time.Duration // Position lifetime on the venue

	// Stake Policy
	StakePolicy     string // fixed, percent, martingale
	StakeAmount     float64
	StakePercent    float64
	StakeMultiplier float64
	StakeMaxSteps   int

	// Database
	DBPath string

	// Logging
	LogLevel  string
	LogFormat string // json or console
	LogOutput string // stdout, stderr, or file path

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Instruments and market data
	instruments := getEnv("INSTRUMENTS", "ETHUSDT")
	for _, ins := range strings.Split(instruments, ",") {
		ins = strings.TrimSpace(ins)
		if ins != "" {
			cfg.Instruments = append(cfg.Instruments, ins)
		}
	}
	if len(cfg.Instruments) == 0 {
		errs = append(errs, "INSTRUMENTS must name at least one instrument")
	}

	cfg.Interval = getEnv("INTERVAL", "1m")
	cfg.SettleAsset = getEnv("SETTLE_ASSET", "USDT")

	// Feature parameters (using defaults if not set)
	cfg.ShortMAPeriod = getEnvAsInt("FEATURE_SHORT_MA_PERIOD", 20)
	cfg.LongMAPeriod = getEnvAsInt("FEATURE_LONG_MA_PERIOD", 50)
	cfg.ShortEMAPeriod = getEnvAsInt("FEATURE_SHORT_EMA_PERIOD", 20)
	cfg.LongEMAPeriod = getEnvAsInt("FEATURE_LONG_EMA_PERIOD", 50)
	cfg.RSIPeriod = getEnvAsInt("FEATURE_RSI_PERIOD", 14)
	cfg.StochPeriod = getEnvAsInt("FEATURE_STOCH_PERIOD", 14)
	cfg.StochSmooth = getEnvAsInt("FEATURE_STOCH_SMOOTH", 3)
	cfg.NormWindow = getEnvAsInt("FEATURE_NORM_WINDOW", 120)

	if cfg.ShortMAPeriod <= 0 || cfg.LongMAPeriod <= 0 || cfg.ShortEMAPeriod <= 0 ||
		cfg.LongEMAPeriod <= 0 || cfg.RSIPeriod <= 0 || cfg.StochPeriod <= 0 || cfg.StochSmooth <= 0 {
		errs = append(errs, "feature periods (MA, EMA, RSI, STOCH) must be positive")
	}
	if cfg.ShortMAPeriod >= cfg.LongMAPeriod {
		errs = append(errs, "FEATURE_SHORT_MA_PERIOD must be less than FEATURE_LONG_MA_PERIOD")
	}
	if cfg.NormWindow <= 1 {
		errs = append(errs, "FEATURE_NORM_WINDOW must be greater than 1")
	}

	gapToleranceSeconds := getEnvAsInt("GAP_TOLERANCE_SECONDS", 180)
	if gapToleranceSeconds <= 0 {
		errs = append(errs, "GAP_TOLERANCE_SECONDS must be positive")
	}
	cfg.GapTolerance = time.Duration(gapToleranceSeconds) * time.Second

	// Model parameters
	cfg.SeqLen, err = getEnvAsIntRequired("SEQ_LEN", 20)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SEQ_LEN: %v", err))
	} else if cfg.SeqLen <= 0 {
		errs = append(errs, "SEQ_LEN must be positive")
	}

	cfg.Horizon, err = getEnvAsIntRequired("HORIZON", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid HORIZON: %v", err))
	} else if cfg.Horizon <= 0 {
		errs = append(errs, "HORIZON must be positive")
	}

	cfg.HiddenSize = getEnvAsInt("HIDDEN_SIZE", 32)
	if cfg.HiddenSize <= 0 {
		errs = append(errs, "HIDDEN_SIZE must be positive")
	}
	cfg.Epochs = getEnvAsInt("EPOCHS", 30)
	if cfg.Epochs <= 0 {
		errs = append(errs, "EPOCHS must be positive")
	}
	cfg.BatchSize = getEnvAsInt("BATCH_SIZE", 32)
	if cfg.BatchSize <= 0 {
		errs = append(errs, "BATCH_SIZE must be positive")
	}

	cfg.LearningRate, err = getEnvAsFloatRequired("LEARNING_RATE", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEARNING_RATE: %v", err))
	} else if cfg.LearningRate <= 0 {
		errs = append(errs, "LEARNING_RATE must be positive")
	}

	horizonWaitSeconds := getEnvAsInt("HORIZON_WAIT_SECONDS", 0)
	if horizonWaitSeconds < 0 {
		errs = append(errs, "HORIZON_WAIT_SECONDS cannot be negative")
	}
	cfg.HorizonWait = time.Duration(horizonWaitSeconds) * time.Second

	// Training parameters
	cfg.MinSamples = getEnvAsInt("MIN_SAMPLES", 200)
	if cfg.MinSamples <= 0 {
		errs = append(errs, "MIN_SAMPLES must be positive")
	}
	cfg.ValidationSplit = getEnvAsFloat("VALIDATION_SPLIT", 0.2)
	if cfg.ValidationSplit <= 0 || cfg.ValidationSplit >= 1 {
		errs = append(errs, "VALIDATION_SPLIT must be between 0.0 and 1.0 (exclusive)")
	}
	cfg.RegressionBound = getEnvAsFloat("REGRESSION_BOUND", 0.05)
	if cfg.RegressionBound < 0 {
		errs = append(errs, "REGRESSION_BOUND cannot be negative")
	}
	cfg.TrainingSeed = int64(getEnvAsInt("TRAINING_SEED", 42))
	cfg.BalanceClasses = getEnvAsBool("BALANCE_CLASSES", true)

	retrainMinutes := getEnvAsInt("RETRAIN_INTERVAL_MINUTES", 60)
	if retrainMinutes <= 0 {
		errs = append(errs, "RETRAIN_INTERVAL_MINUTES must be positive")
	}
	cfg.RetrainInterval = time.Duration(retrainMinutes) * time.Minute

	cfg.RetrainSampleThreshold = getEnvAsInt("RETRAIN_SAMPLE_THRESHOLD", 50)
	if cfg.RetrainSampleThreshold <= 0 {
		errs = append(errs, "RETRAIN_SAMPLE_THRESHOLD must be positive")
	}
	cfg.ModelRetention = getEnvAsInt("MODEL_RETENTION", 3)
	if cfg.ModelRetention <= 0 {
		errs = append(errs, "MODEL_RETENTION must be positive")
	}

	// Decision parameters
	cfg.NeutralBand = getEnvAsFloat("NEUTRAL_BAND", 0.1)
	if cfg.NeutralBand < 0 || cfg.NeutralBand >= 1 {
		errs = append(errs, "NEUTRAL_BAND must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.MinConfidence, err = getEnvAsFloatRequired("MIN_CONFIDENCE", 0.65)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_CONFIDENCE: %v", err))
	} else if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		errs = append(errs, "MIN_CONFIDENCE must be between 0.0 and 1.0")
	}

	outcomeTimeoutSeconds := getEnvAsInt("OUTCOME_TIMEOUT_SECONDS", 600)
	if outcomeTimeoutSeconds <= 0 {
		errs = append(errs, "OUTCOME_TIMEOUT_SECONDS must be positive")
	}
	cfg.OutcomeTimeout = time.Duration(outcomeTimeoutSeconds) * time.Second

	cfg.MaxDecisionsPerDay = getEnvAsInt("MAX_DECISIONS_PER_DAY", 5)
	if cfg.MaxDecisionsPerDay < 0 {
		errs = append(errs, "MAX_DECISIONS_PER_DAY cannot be negative")
	}

	expirySeconds := getEnvAsInt("EXPIRY_SECONDS", 300)
	if expirySeconds <= 0 {
		errs = append(errs, "EXPIRY_SECONDS must be positive")
	}
	cfg.Expiry = time.Duration(expirySeconds) * time.Second

	// Stake policy
	cfg.StakePolicy = strings.ToLower(getEnv("STAKE_POLICY", "fixed"))
	switch cfg.StakePolicy {
	case "fixed", "percent", "martingale":
	default:
		errs = append(errs, fmt.Sprintf("unknown STAKE_POLICY %q (want fixed, percent or martingale)", cfg.StakePolicy))
	}
	cfg.StakeAmount, err = getEnvAsFloatRequired("STAKE_AMOUNT", 10.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STAKE_AMOUNT: %v", err))
	} else if cfg.StakeAmount <= 0 {
		errs = append(errs, "STAKE_AMOUNT must be positive")
	}
	cfg.StakePercent = getEnvAsFloat("STAKE_PERCENT", 0.02)
	if cfg.StakePercent <= 0 || cfg.StakePercent > 1 {
		errs = append(errs, "STAKE_PERCENT must be between 0.0 (exclusive) and 1.0")
	}
	cfg.StakeMultiplier = getEnvAsFloat("STAKE_MULTIPLIER", 2.0)
	if cfg.StakeMultiplier < 1 {
		errs = append(errs, "STAKE_MULTIPLIER must be at least 1.0")
	}
	cfg.StakeMaxSteps = getEnvAsInt("STAKE_MAX_STEPS", 3)
	if cfg.StakeMaxSteps < 0 {
		errs = append(errs, "STAKE_MAX_STEPS cannot be negative")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/neurotrader.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")
	cfg.LogOutput = getEnv("LOG_OUTPUT", "stderr")

	// Connection settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
