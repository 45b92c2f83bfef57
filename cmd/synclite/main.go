package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/synclite/synclite/internal/network"
	"github.com/synclite/synclite/internal/state"
	"github.com/synclite/synclite/internal/version"
	"github.com/synclite/synclite/internal/workspace"
)

const (
	exitOK           = 0
	exitUsage        = 2
	exitStateCorrupt = 10
	exitPathEscape   = 11
	exitTransport    = 12
)

const defaultPort = 8080

var errUsage = errors.New("usage error")

var (
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "synclite",
	Short:   "SyncLite peer-to-peer LAN file synchronizer",
	Version: version.Detailed(),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(viper.GetBool("verbose"))
	},
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	rootCmd.PersistentFlags().Duration("debounce", 0, "watcher debounce window (default 150ms)")
	rootCmd.PersistentFlags().Int64("max-file-size", 0, "per-file size ceiling in bytes (default 16MiB)")

	viper.SetEnvPrefix("SYNCLITE")
	viper.AutomaticEnv()
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("debounce", rootCmd.PersistentFlags().Lookup("debounce"))
	viper.BindPFlag("max_file_size", rootCmd.PersistentFlags().Lookup("max-file-size"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func showBanner(mode, dir string) {
	fmt.Printf("%s %s\n", cyan("synclite"), version.Detailed())
	fmt.Printf("%s %s: %s\n\n", green("▶"), mode, dir)
}

// workspaceDirPortArgs validates the shared `<dir> [port]` argument shape.
func workspaceDirPortArgs(cmd *cobra.Command, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: expected <dir> [port]", errUsage)
	}
	return nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, state.ErrStateCorrupt):
		return exitStateCorrupt
	case errors.Is(err, workspace.ErrPathEscape):
		return exitPathEscape
	case errors.Is(err, network.ErrPeerUnreachable):
		return exitTransport
	default:
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.HiRedString("error:"), err)
		os.Exit(exitCode(err))
	}
}
