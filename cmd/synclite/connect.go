package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/synclite/synclite/internal/network"
)

var connectCmd = &cobra.Command{
	Use:   "connect <dir> [port]",
	Short: "Mirror a workspace from a sync leader",
	Args:  workspaceDirPortArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := parsePort(args)
		if err != nil {
			return err
		}
		return runConnect(args[0], port)
	},
}

func init() {
	connectCmd.Flags().String("host", "127.0.0.1", "leader host (from discovery)")
	viper.BindPFlag("host", connectCmd.Flags().Lookup("host"))
}

func runConnect(dir string, port int) error {
	rt, err := buildRuntime(dir)
	if err != nil {
		return err
	}

	selfID, err := rt.peers.EnsureSelfID()
	if err != nil {
		return err
	}

	showBanner("mirroring", rt.ws.Root)
	slog.Info("peer starting", "id", selfID, "workspace", rt.engine.Describe())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", viper.GetString("host"), port)
	upstream, err := network.Connect(ctx, addr, selfID, rt.engine)
	if err != nil {
		return err
	}
	rt.engine.SetBroadcaster(upstream)

	if err := rt.watcher.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return upstream.Run(ctx)
	})
	g.Go(func() error {
		err := rt.engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		rt.watcher.Stop()
		return nil
	})

	err = g.Wait()
	slog.Info("peer stopped")
	return err
}
