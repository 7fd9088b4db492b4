package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/runner"
	"github.com/harunnryd/voiceturn/pkg/turn"
	"github.com/harunnryd/voiceturn/pkg/voiceturn"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config; empty runs mock providers on the in-memory transport")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "voiceturn:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := voiceturn.DefaultConfig()
	if configPath != "" {
		loaded, err := voiceturn.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	engine, err := voiceturn.NewEngine(voiceturn.EngineOptions{
		Config:       cfg,
		Logger:       logger,
		BannerOutput: os.Stdout,
		OnSessionEvent: func(sessionID string, ev turn.SessionEvent) {
			if ev.Kind == turn.TurnFailed {
				logger.Warn("turn_failed",
					"session_id", sessionID,
					"turn_id", ev.TurnID,
					"stage", ev.Stage,
					"kind", ev.ErrKind,
					"error", ev.Err)
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := engine.Start(ctx); err != nil {
		_ = engine.Stop()
		return err
	}
	logger.Info("voiceturn_started", "version", runner.Version, "config", configPath)

	<-ctx.Done()
	return engine.Stop()
}
