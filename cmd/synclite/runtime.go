package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/viper"

	"github.com/synclite/synclite/internal/engine"
	"github.com/synclite/synclite/internal/fsops"
	"github.com/synclite/synclite/internal/ignore"
	"github.com/synclite/synclite/internal/state"
	"github.com/synclite/synclite/internal/watch"
	"github.com/synclite/synclite/internal/workspace"
)

// runtime bundles the per-workspace core components in the order they are
// started: state first, then the mutator, then the watcher, then the engine.
type runtime struct {
	ws      *workspace.Workspace
	store   *state.Store
	peers   *state.PeersConfig
	mutator *fsops.Mutator
	watcher *watch.Watcher
	engine  *engine.Engine
}

// buildRuntime bootstraps a workspace: creates .synclite/, loads state and
// peers config, reconciles the state with disk (this is what tombstones
// offline deletions), and wires up the core components.
func buildRuntime(dir string) (*runtime, error) {
	ws, err := workspace.NewWorkspace(dir)
	if err != nil {
		return nil, err
	}
	if err := ws.Bootstrap(); err != nil {
		return nil, fmt.Errorf("bootstrap workspace: %w", err)
	}

	ignoreList := ignore.Load(ws.Root)

	store, err := state.Load(ws)
	if err != nil {
		return nil, err
	}
	if err := store.ReconcileWithDisk(ws, ignoreList.Ignored); err != nil {
		return nil, err
	}

	peers, err := state.LoadPeersConfig(ws.PeersPath())
	if err != nil {
		return nil, err
	}

	expect := fsops.NewExpectationSet(fsops.DefaultExpectTTL)
	mutator := fsops.NewMutator(ws, store, expect)
	if limit := viper.GetInt64("max_file_size"); limit > 0 {
		mutator.SetMaxFileSize(limit)
	}

	watcher := watch.New(ws, store, ignoreList.Ignored, expect, mutator)
	if d := viper.GetDuration("debounce"); d > 0 {
		watcher.SetDebounce(d)
	}

	return &runtime{
		ws:      ws,
		store:   store,
		peers:   peers,
		mutator: mutator,
		watcher: watcher,
		engine:  engine.New(ws, store, mutator, watcher),
	}, nil
}

// parsePort reads the optional [port] argument.
func parsePort(args []string) (int, error) {
	if len(args) < 2 {
		return defaultPort, nil
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", errUsage, args[1])
	}
	return port, nil
}
