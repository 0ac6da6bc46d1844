package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"talos/daemon"
	"talos/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		slog.Error("gateway failed", "err", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage error")

func rootCmd() *cobra.Command {
	var configDir string
	var debug bool

	cmd := &cobra.Command{
		Use:           "talosd",
		Short:         "Talos edge gateway daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, daemon.Options{ConfigDir: configDir})
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return errUsage
	})

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configDir, "config", "/etc/talos", "Configuration directory")
	return cmd
}
