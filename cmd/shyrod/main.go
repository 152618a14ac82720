package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/shyro-chat/shyro/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("shyrod", flag.ContinueOnError)
	serverURL := fs.String("server", "", "shyro server url")
	token := fs.String("token", "", "auth token")
	userID := fs.String("user", "", "local user id")
	displayName := fs.String("name", "", "local display name")
	avatar := fs.String("avatar", "", "local avatar url")
	ipcAddr := fs.String("ipc", "", "ipc socket/pipe address")
	stunServers := fs.String("stun", "", "comma-separated STUN servers")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *ipcAddr != "" {
		cfg.IPCAddr = *ipcAddr
	}
	if *stunServers != "" {
		cfg.STUNServers = splitCSV(*stunServers)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	if *token == "" {
		return fmt.Errorf("auth token is required")
	}
	if *userID == "" {
		return fmt.Errorf("user id is required")
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("server", cfg.ServerURL).Str("ipc", cfg.IPCAddr).Msg("starting voice daemon")
	daemon := newVoiceDaemon(cfg, log, *token, identityFromFlags(*userID, *displayName, *avatar))
	if err := daemon.Run(ctx, cfg.IPCAddr); err != nil {
		return err
	}
	log.Info().Msg("shutting down")
	return nil
}

func newLogger(level string) (zerolog.Logger, error) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger(), nil
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered
}
