package container

import (
	"context"
	"strings"
	"time"

	"github.com/hibeats/engine/config"
	"github.com/hibeats/engine/confirm"
	"github.com/hibeats/engine/generation"
	"github.com/hibeats/engine/handlers"
	"github.com/hibeats/engine/ipfs"
	"github.com/hibeats/engine/ledger"
	"github.com/hibeats/engine/logger"
	"github.com/hibeats/engine/orchestrator"
	"github.com/hibeats/engine/storage"
)

// Container holds all engine dependencies.
type Container struct {
	Config       *config.Config
	Generation   *generation.Client
	IPFS         *ipfs.Client
	Ledger       *ledger.Gateway
	Monitor      *confirm.Monitor
	Journal      storage.Store
	Library      *orchestrator.Library
	Reconciler   *orchestrator.Reconciler
	Orchestrator *orchestrator.Orchestrator
	Server       *handlers.Server
}

// NewContainer builds the dependency graph from configuration.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	genClient := generation.NewClient(cfg.GenerationAPIBase, cfg.GenerationAPIKey)
	ipfsClient := ipfs.NewClient(cfg.IPFSAPIURL, cfg.IPFSGatewayURL, cfg.IPFSTimeout)

	rpc := ledger.NewRPCClient(cfg.ChainRPCURL)
	gateway := ledger.NewGateway(rpc, cfg.ContractAddress, cfg.WalletAddress)
	monitor := confirm.NewMonitor(rpc, nil, cfg.ChainWSURL, cfg.ConfirmPollInterval, cfg.ConfirmPollAttempts)

	var journal storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPGStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		journal = pg
		logger.Info("journal: postgres store connected")
	} else {
		journal = storage.NewMemoryStore()
		logger.Info("journal: memory store (set DATABASE_URL for durability)")
	}

	library := orchestrator.NewLibrary()
	reconciler := orchestrator.NewReconciler(library, ipfsClient, gateway, journal)

	callbackURL := ""
	if cfg.CallbackBaseURL != "" {
		callbackURL = strings.TrimRight(cfg.CallbackBaseURL, "/") + "/api/v1/callback/generation"
	}
	orc := orchestrator.New(genClient, gateway, monitor, reconciler, library, journal, orchestrator.Options{
		Wallet:            cfg.WalletAddress,
		CallbackURL:       callbackURL,
		ExpectedArtifacts: cfg.ExpectedArtifacts,
		RecheckDelays:     []time.Duration{cfg.RecheckShort, cfg.RecheckLong},
		PendingTTL:        cfg.PendingTaskTTL,
		JanitorInterval:   cfg.JanitorInterval,
	})

	return &Container{
		Config:       cfg,
		Generation:   genClient,
		IPFS:         ipfsClient,
		Ledger:       gateway,
		Monitor:      monitor,
		Journal:      journal,
		Library:      library,
		Reconciler:   reconciler,
		Orchestrator: orc,
		Server:       handlers.NewServer(orc),
	}, nil
}

// Close releases held resources.
func (c *Container) Close() {
	if c.Journal != nil {
		c.Journal.Close()
	}
}
