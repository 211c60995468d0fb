/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seednode/spektrum/internal/adminapi"
	"github.com/seednode/spektrum/internal/catalog"
	"github.com/seednode/spektrum/internal/config"
	"github.com/seednode/spektrum/internal/hub"
	"github.com/seednode/spektrum/internal/registry"
	"github.com/seednode/spektrum/internal/server"
	"github.com/seednode/spektrum/internal/token"
)

const releaseVersion = "0.1.0"

func serve(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()

	cat := catalog.New(catalog.FileLoader{Path: cfg.StoragePath})
	if err := cat.Load(ctx); err != nil {
		return err
	}

	mint := token.New(cfg.JWTSecret, cfg.SessionTTL)
	regs := registry.New(mint)

	go reap(ctx, cfg, regs, mint)

	deps := server.Deps{
		Admin: adminapi.New(cfg, cat, regs, mint),
		Hub:   hub.New(cfg, regs, mint),
	}

	return server.Serve(ctx, cfg, releaseVersion, deps)
}

// reap periodically clears idle/finished lobbies and expired session
// tokens so long-running processes don't accumulate unbounded state.
func reap(ctx context.Context, cfg *config.Config, regs *registry.Registry, mint *token.Mint) {
	interval := cfg.LobbyIdleTTL / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n := regs.GCSweep(now, cfg.LobbyIdleTTL, cfg.GameOverTTL)
			if n > 0 {
				server.Logf(cfg, "GC: reaped %d lobbies", n)
			}
			mint.Sweep(now)
		}
	}
}

func main() {
	log.SetFlags(0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := &config.Config{}
	cmd := config.NewCmd(cfg, serve, releaseVersion)

	cobra.CheckErr(cmd.ExecuteContext(ctx))
}
