// Command server runs the wyrmtable game server: the REST surface, the
// realtime WebSocket channel, and the SQLite persistence behind them.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/auth"
	"github.com/wyrmtable/wyrmtable/internal/auth/ratelimit"
	"github.com/wyrmtable/wyrmtable/internal/auth/token"
	"github.com/wyrmtable/wyrmtable/internal/compendium"
	"github.com/wyrmtable/wyrmtable/internal/game/session"
	platformcmd "github.com/wyrmtable/wyrmtable/internal/platform/cmd"
	"github.com/wyrmtable/wyrmtable/internal/platform/config"
	"github.com/wyrmtable/wyrmtable/internal/platform/timeouts"
	"github.com/wyrmtable/wyrmtable/internal/storage/sqlite"
	"github.com/wyrmtable/wyrmtable/internal/web"
)

type serverConfig struct {
	Addr            string `env:"WYRMTABLE_HTTP_ADDR" envDefault:":8080"`
	DatabasePath    string `env:"DATABASE_URL" envDefault:"wyrmtable.db"`
	SecretKey       string `env:"SECRET_KEY"`
	TokenTTLHours   int    `env:"WYRMTABLE_TOKEN_TTL_HOURS" envDefault:"24"`
	CompendiumDir   string `env:"WYRMTABLE_COMPENDIUM_DIR" envDefault:"compendium"`
	DemoSessionCode string `env:"WYRMTABLE_DEMO_SESSION_CODE"`

	RegisterPerMinute   int `env:"WYRMTABLE_REGISTER_RATE" envDefault:"20"`
	DemoAccessPerMinute int `env:"WYRMTABLE_DEMO_RATE" envDefault:"10"`
}

func main() {
	var cfg serverConfig
	if err := platformcmd.ParseConfig(&cfg); err != nil {
		config.Exitf("server: %v", err)
	}
	if cfg.SecretKey == "" {
		config.Exitf("server: SECRET_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	err := platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceServer, func(ctx context.Context) error {
		return run(ctx, cfg, logger)
	})
	if err != nil {
		config.Exitf("server: %v", err)
	}
}

func run(ctx context.Context, cfg serverConfig, logger *log.Logger) error {
	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog, err := compendium.Load(cfg.CompendiumDir)
	if err != nil {
		return err
	}
	logger.Printf("server: compendium loaded with %d entries", catalog.Count())

	tokens := token.NewManager([]byte(cfg.SecretKey), time.Duration(cfg.TokenTTLHours)*time.Hour, store, logger)
	identity := auth.NewService(store, ratelimit.New(cfg.RegisterPerMinute, time.Minute), logger)
	manager := session.NewManager(store, logger)

	server := web.New(web.Config{
		Addr:            cfg.Addr,
		DemoSessionCode: cfg.DemoSessionCode,
	}, store, tokens, identity, manager, catalog, ratelimit.New(cfg.DemoAccessPerMinute, time.Minute), logger)

	serveErr := server.ListenAndServe(ctx)

	// Flush every live session before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server: session shutdown: %v", err)
	}
	return serveErr
}
