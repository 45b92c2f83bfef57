package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/synclite/synclite/internal/engine"
	"github.com/synclite/synclite/internal/network"
)

var serveCmd = &cobra.Command{
	Use:   "serve <dir> [port]",
	Short: "Host a workspace as the sync leader",
	Args:  workspaceDirPortArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := parsePort(args)
		if err != nil {
			return err
		}
		return runServe(args[0], port)
	},
}

func runServe(dir string, port int) error {
	rt, err := buildRuntime(dir)
	if err != nil {
		return err
	}

	leaderID, err := rt.peers.EnsureLeaderID()
	if err != nil {
		return err
	}

	showBanner("serving", rt.ws.Root)
	slog.Info("leader starting", "id", leaderID, "workspace", rt.engine.Describe())

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	hub := network.NewHub(addr, rt.engine)
	hub.OnPeerLive = func(id string) {
		if rt.peers.AddPeer(id) {
			if err := rt.peers.Save(); err != nil {
				slog.Warn("save peers config failed", "error", err)
			}
		}
	}
	rt.engine.SetRole(engine.RoleLeader)
	rt.engine.SetBroadcaster(hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.watcher.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	g.Go(func() error {
		return hub.Run(hubCtx)
	})
	g.Go(func() error {
		err := rt.engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		// The watcher quiesces first on shutdown so no new change batches
		// race the socket teardown; the hub drains and closes after it.
		<-ctx.Done()
		rt.watcher.Stop()
		stopHub()
		return nil
	})

	err = g.Wait()
	slog.Info("leader stopped")
	return err
}
