package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog/log"

	"github.com/enskill/enskill-server/githubapp"
	"github.com/enskill/enskill-server/internal/config"
	"github.com/enskill/enskill-server/publish"
	"github.com/enskill/enskill-server/server"
	"github.com/enskill/enskill-server/session"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running server")
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config.Load: %w", err)
	}
	displayAppname(cfg.AppName)

	repo, err := sessionRepo(cfg)
	if err != nil {
		return err
	}
	sessions, err := session.NewStore(repo, cfg.PollInterval, cfg.DeviceTTL)
	if err != nil {
		return fmt.Errorf("session.NewStore: %w", err)
	}

	oauth, err := githubapp.NewOAuthExchange(cfg)
	if err != nil {
		return fmt.Errorf("githubapp.NewOAuthExchange: %w", err)
	}
	minter, err := githubapp.NewTokenMinter(cfg)
	if err != nil {
		return fmt.Errorf("githubapp.NewTokenMinter: %w", err)
	}
	pipeline, err := publish.NewPipeline(minter, cfg)
	if err != nil {
		return fmt.Errorf("publish.NewPipeline: %w", err)
	}

	srv, err := server.New(cfg, sessions, oauth, pipeline)
	if err != nil {
		return fmt.Errorf("server.New: %w", err)
	}

	httpServer := &http.Server{Addr: cfg.Port, Handler: srv}
	go listenAndServe(httpServer)
	waitForStopSignal()
	return shutdown(httpServer)
}

func sessionRepo(cfg *config.Config) (session.Repo, error) {
	if cfg.RedisURL == "" {
		log.Info().Msg("Using in-memory session store")
		return session.NewInMemoryRepo(), nil
	}
	repo, err := session.NewRedisRepoFromURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("session.NewRedisRepoFromURL: %w", err)
	}
	log.Info().Msg("Using Redis session store")
	return repo, nil
}

func listenAndServe(httpServer *http.Server) {
	log.Info().Str("addr", httpServer.Addr).Msg("Server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server.ListenAndServe")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
