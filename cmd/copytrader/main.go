// Hypefollow copies a Master trader's order flow onto a Follower
// venue account, sized by the configured ratio, with exposure kept in
// check by the Rebalancer and Risk Gate.
//
// Architecture: Master feed -> Order Executor -> Follower venue
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uykb/hypefollow/engine"
	"github.com/uykb/hypefollow/internal/config"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("mode", string(cfg.TradingMode)).
		Strs("followedUsers", cfg.FollowedUsers).
		Strs("coins", cfg.SupportedCoins).
		Msg("hypefollow starting")

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct engine")
	}

	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("engine exited with error")
		os.Exit(1)
	}

	log.Info().Msg("hypefollow stopped")
}
