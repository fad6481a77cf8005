package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hibeats/engine/logger"
)

// Config holds all engine settings, populated from the environment. A .env
// file is honored when present for local development.
type Config struct {
	APIPort string `env:"API_PORT" envDefault:"8090"`

	// Generation service.
	GenerationAPIBase string `env:"GENERATION_API_BASE" envDefault:"https://api.sunoapi.org"`
	GenerationAPIKey  string `env:"GENERATION_API_KEY"`
	// Public base URL for the completion callback this service exposes.
	CallbackBaseURL string `env:"CALLBACK_BASE_URL"`

	// Content-addressed storage.
	IPFSAPIURL     string        `env:"IPFS_API_URL" envDefault:"http://127.0.0.1:5001"`
	IPFSGatewayURL string        `env:"IPFS_GATEWAY_URL" envDefault:"https://ipfs.io/ipfs"`
	IPFSTimeout    time.Duration `env:"IPFS_HTTP_TIMEOUT" envDefault:"30s"`

	// Ledger.
	ChainRPCURL     string `env:"CHAIN_RPC_URL" envDefault:"http://127.0.0.1:8545"`
	ChainWSURL      string `env:"CHAIN_WS_URL"`
	ContractAddress string `env:"GENERATION_CONTRACT_ADDRESS"`
	WalletAddress   string `env:"WALLET_ADDRESS"`

	// Confirmation monitor.
	ConfirmPollInterval time.Duration `env:"CONFIRM_POLL_INTERVAL" envDefault:"1s"`
	ConfirmPollAttempts int           `env:"CONFIRM_POLL_ATTEMPTS" envDefault:"30"`

	// Orchestration.
	ExpectedArtifacts int           `env:"EXPECTED_ARTIFACTS" envDefault:"2"`
	RecheckShort      time.Duration `env:"RECHECK_SHORT" envDefault:"45s"`
	RecheckLong       time.Duration `env:"RECHECK_LONG" envDefault:"4m"`
	PendingTaskTTL    time.Duration `env:"PENDING_TASK_TTL" envDefault:"24h"`
	JanitorInterval   time.Duration `env:"JANITOR_INTERVAL" envDefault:"10m"`

	// Optional durable journal. Memory store used when empty.
	DatabaseURL string `env:"DATABASE_URL"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded, using process environment")
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
