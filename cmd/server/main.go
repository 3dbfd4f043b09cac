// Command server runs the agentflow completion gateway.
//
// Configuration is loaded from a YAML file (via -config, AGENTFLOW_CONFIG,
// ./config.yaml, or /etc/agentflow/config.yaml) with environment variable
// overrides:
//
//	AGENTFLOW_PORT            - Listen port (default: 8080)
//	AGENTFLOW_STORAGE         - Storage type: "memory" or "postgres"
//	AGENTFLOW_POSTGRES_DSN    - PostgreSQL connection string
//	AGENTFLOW_AUTH_TYPE       - Auth type: "none", "apikey", or "jwt"
//	AGENTFLOW_JWT_SECRET      - Shared secret for JWT validation
//	AGENTFLOW_TOKENIZER       - BPE encoding name (default: cl100k_base)
//	AGENTFLOW_PERSIST_TIMEOUT - Post-run persistence deadline (default: 5s)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/tbraun/agentflow/pkg/auth"
	"github.com/tbraun/agentflow/pkg/auth/apikey"
	authjwt "github.com/tbraun/agentflow/pkg/auth/jwt"
	"github.com/tbraun/agentflow/pkg/config"
	"github.com/tbraun/agentflow/pkg/engine"
	"github.com/tbraun/agentflow/pkg/flow"
	"github.com/tbraun/agentflow/pkg/storage/memory"
	"github.com/tbraun/agentflow/pkg/storage/postgres"
	"github.com/tbraun/agentflow/pkg/tokenizer"
	"github.com/tbraun/agentflow/pkg/transport"
	transporthttp "github.com/tbraun/agentflow/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	counter := tokenizer.New(cfg.Engine.TokenizerEncoding)

	handler, err := engine.New(store, store, flow.New, counter, engine.Config{
		PersistTimeout: cfg.Engine.PersistTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
	}
	if mw := authMiddleware(cfg); mw != nil {
		opts = append(opts, transporthttp.WithMiddleware(mw))
	}

	srv := transporthttp.NewServer(handler, store, store, opts...)

	logger.Info("gateway starting",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.String("auth", cfg.Auth.Type))
	return srv.ListenAndServe()
}

// gatewayStore is the combined persistence surface the gateway needs.
type gatewayStore interface {
	transport.SessionStore
	transport.WorkflowStore
	Close() error
}

func newStore(cfg *config.Config) (gatewayStore, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return postgres.New(context.Background(), postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN,
			MaxConns:       cfg.Storage.Postgres.MaxConns,
			MinConns:       cfg.Storage.Postgres.MinConns,
			MigrateOnStart: cfg.Storage.Postgres.MigrateOnStart,
		})
	default:
		return memory.New(), nil
	}
}

// authMiddleware builds the authentication middleware from configuration,
// or returns nil when auth is disabled.
func authMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	chain := &auth.AuthChain{DefaultDecision: auth.No}

	switch cfg.Auth.Type {
	case "apikey":
		entries := make([]apikey.RawKeyEntry, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			identity := auth.Identity{
				Subject:     k.Subject,
				Teams:       k.Teams,
				ServiceTier: k.ServiceTier,
			}
			if k.TenantID != "" {
				identity.Metadata = map[string]string{"tenant_id": k.TenantID}
			}
			entries = append(entries, apikey.RawKeyEntry{Key: k.Key, Identity: identity})
		}
		chain.Authenticators = []auth.Authenticator{apikey.New(entries)}
	case "jwt":
		chain.Authenticators = []auth.Authenticator{authjwt.New(authjwt.Config{
			Secret:   cfg.Auth.JWT.Secret,
			Issuer:   cfg.Auth.JWT.Issuer,
			Audience: cfg.Auth.JWT.Audience,
		})}
	default:
		return nil
	}

	var limiter auth.RateLimiter
	if cfg.Auth.RateLimit.Enabled {
		tiers := make(map[string]auth.TierConfig, len(cfg.Auth.RateLimit.Tiers))
		for name, rpm := range cfg.Auth.RateLimit.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: rpm}
		}
		limiter = auth.NewInProcessLimiter(tiers, cfg.Auth.RateLimit.DefaultRPM)
	}

	return auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints)
}
