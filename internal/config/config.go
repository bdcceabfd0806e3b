package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all anchoring node configuration loaded from environment
// variables.
type Config struct {
	// Instance names this anchoring service; schema keys are namespaced by
	// it so multiple anchoring chains can share a process.
	Instance string `envconfig:"ANCHORD_INSTANCE" default:"anchor-main"`

	// AnchoringKeys are the validator set's Bitcoin public keys, hex
	// compressed-SEC1, in redeem-script order. Order is significant —
	// it defines the multisig address.
	AnchoringKeys []string `envconfig:"ANCHORD_ANCHORING_KEYS"`
	Threshold     int      `envconfig:"ANCHORD_THRESHOLD"`

	AnchoringInterval uint64 `envconfig:"ANCHORD_ANCHORING_INTERVAL" default:"1000"`
	TransactionFee    int64  `envconfig:"ANCHORD_TRANSACTION_FEE" default:"10"`
	Network           string `envconfig:"ANCHORD_NETWORK" default:"testnet"`

	// FundingTxHex is the initial funding transaction, raw hex, paying
	// the genesis multisig address. Optional — a following config's
	// transition may instead be funded by the previous anchoring chain.
	FundingTxHex string `envconfig:"ANCHORD_FUNDING_TX"`

	// ValidatorIndex identifies which AnchoringKeys entry this node signs
	// with; MnemonicFile supplies the corresponding private key.
	ValidatorIndex int    `envconfig:"ANCHORD_VALIDATOR_INDEX"`
	MnemonicFile   string `envconfig:"ANCHORD_MNEMONIC_FILE"`

	// Bitcoin RPC endpoint.
	RPCHost string `envconfig:"ANCHORD_RPC_HOST" default:"127.0.0.1:8332"`
	RPCUser string `envconfig:"ANCHORD_RPC_USER"`
	RPCPass string `envconfig:"ANCHORD_RPC_PASS"`
	RPCTLS  bool   `envconfig:"ANCHORD_RPC_TLS" default:"false"`

	StorePath string `envconfig:"ANCHORD_STORE_PATH" default:"./data/anchord.sqlite"`

	LogLevel string `envconfig:"ANCHORD_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"ANCHORD_LOG_DIR" default:"./logs"`

	Port int `envconfig:"ANCHORD_PORT" default:"8090"`
}

// Load reads configuration from a .env file (if present) then from
// environment variables. Environment variables override .env values.
func Load() (*Config, error) {
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for internal consistency.
func (c *Config) Validate() error {
	n := len(c.AnchoringKeys)
	if n == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNoValidatorKeys)
	}
	if n > MaxValidators {
		return fmt.Errorf("%w: %d anchoring keys exceeds maximum %d", ErrInvalidConfig, n, MaxValidators)
	}
	if c.Threshold < MinThreshold || c.Threshold > n {
		return fmt.Errorf("%w: threshold must satisfy 1 <= k <= n (n=%d), got %d", ErrInvalidConfig, n, c.Threshold)
	}
	if c.AnchoringInterval < 1 {
		return fmt.Errorf("%w: anchoring interval must be >= 1, got %d", ErrInvalidConfig, c.AnchoringInterval)
	}
	if c.Network != "mainnet" && c.Network != "testnet" && c.Network != "regtest" {
		return fmt.Errorf("%w: network must be mainnet, testnet, or regtest, got %q", ErrInvalidConfig, c.Network)
	}
	if c.ValidatorIndex < 0 || c.ValidatorIndex >= n {
		return fmt.Errorf("%w: validator index %d out of range for %d keys", ErrInvalidConfig, c.ValidatorIndex, n)
	}
	if c.MnemonicFile == "" {
		return ErrMnemonicFileNotSet
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	return nil
}
