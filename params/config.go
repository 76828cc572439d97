package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Settlement holds the deployment-time constants of the auction.
// They are fixed once the exchange has been started against a data directory.
type Settlement struct {
	// BatchTime is the length of one auction batch.
	BatchTime time.Duration
	// SolutionWindow is how long after a batch closes solutions are still accepted.
	// With the defaults a batch closes at :00 and solutions are taken until 4 minutes in.
	SolutionWindow time.Duration

	FeeDenominator         uint64 // trade fee is 1/FeeDenominator
	ImprovementDenominator uint64 // minimum relative improvement is 1/ImprovementDenominator
	MaxTouchedOrders       int
	AmountMinimum          uint64 // dust floor for prices and executed amounts
	MaxAssets              int

	// ListingFee is burnt in fee-asset base units when a token is registered.
	ListingFee uint64
	// FeeTokenPrice is the fixed price of asset 0.
	FeeTokenPrice uint64
	// FeeToken is the external reference of asset 0.
	FeeToken common.Address
}

type Node struct {
	DataDir        string
	APIAddr        string
	LogFile        string
	JournalFile    string
	AllowedOrigins []string
	Verbose        bool
	// OperatorToken enables the operator credit route when set.
	OperatorToken string
}

type Config struct {
	Settlement Settlement
	Node       Node
}

func Default() Config {
	return Config{
		Settlement: Settlement{
			BatchTime:              300 * time.Second,
			SolutionWindow:         240 * time.Second,
			FeeDenominator:         1000,
			ImprovementDenominator: 100,
			MaxTouchedOrders:       30,
			AmountMinimum:          10000,
			MaxAssets:              65535,
			ListingFee:             10_000_000_000_000_000_000, // 10 fee units at 18 decimals
			FeeTokenPrice:          1_000_000_000_000_000_000,
		},
		Node: Node{
			DataDir:        "data/exchange",
			APIAddr:        ":8080",
			LogFile:        "data/node.log",
			JournalFile:    "data/journal.log",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
	}
}

// Validate checks that the constants are usable together.
func (c Config) Validate() error {
	s := c.Settlement
	if s.BatchTime < time.Second {
		return fmt.Errorf("batch time must be at least one second: %s", s.BatchTime)
	}
	if s.BatchTime%time.Second != 0 {
		return fmt.Errorf("batch time must be a whole number of seconds: %s", s.BatchTime)
	}
	if s.SolutionWindow <= 0 || s.SolutionWindow >= s.BatchTime {
		return fmt.Errorf("solution window %s must be positive and shorter than batch time %s", s.SolutionWindow, s.BatchTime)
	}
	if s.FeeDenominator < 2 {
		return fmt.Errorf("fee denominator must be at least 2: %d", s.FeeDenominator)
	}
	if s.ImprovementDenominator == 0 {
		return fmt.Errorf("improvement denominator must be positive")
	}
	if s.MaxTouchedOrders <= 0 {
		return fmt.Errorf("max touched orders must be positive: %d", s.MaxTouchedOrders)
	}
	if s.MaxAssets < 1 || s.MaxAssets > 1<<16 {
		return fmt.Errorf("max assets out of range: %d", s.MaxAssets)
	}
	if s.FeeTokenPrice == 0 {
		return fmt.Errorf("fee token price must be positive")
	}
	return nil
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	s := &cfg.Settlement
	if v := os.Getenv("BATCH_TIME_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			s.BatchTime = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("SOLUTION_WINDOW_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			s.SolutionWindow = time.Duration(secs) * time.Second
		}
	}
	s.FeeDenominator = getEnvUint("FEE_DENOMINATOR", s.FeeDenominator)
	s.ImprovementDenominator = getEnvUint("IMPROVEMENT_DENOMINATOR", s.ImprovementDenominator)
	s.AmountMinimum = getEnvUint("AMOUNT_MINIMUM", s.AmountMinimum)
	s.ListingFee = getEnvUint("LISTING_FEE", s.ListingFee)
	s.FeeTokenPrice = getEnvUint("FEE_TOKEN_PRICE", s.FeeTokenPrice)
	if v := os.Getenv("MAX_TOUCHED_ORDERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxTouchedOrders = n
		}
	}
	if v := os.Getenv("MAX_ASSETS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxAssets = n
		}
	}
	if v := os.Getenv("FEE_TOKEN_ADDRESS"); common.IsHexAddress(v) {
		s.FeeToken = common.HexToAddress(v)
	}

	n := &cfg.Node
	n.DataDir = getEnv("DATA_DIR", n.DataDir)
	n.APIAddr = getEnv("API_ADDR", n.APIAddr)
	n.LogFile = getEnv("LOG_FILE", n.LogFile)
	n.JournalFile = getEnv("JOURNAL_FILE", n.JournalFile)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		n.AllowedOrigins = strings.Split(origins, ",")
	}
	n.Verbose = os.Getenv("VERBOSE") == "true"
	n.OperatorToken = os.Getenv("OPERATOR_TOKEN")

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseUint(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
