package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/fako1024/labscale/internal/config"
	"github.com/fako1024/labscale/pkg/api"
	"github.com/fako1024/labscale/pkg/link"
	"github.com/fako1024/labscale/pkg/scale"
	"github.com/fako1024/labscale/pkg/stream"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := config.Default()
	var cfgPath string

	root := &cobra.Command{
		Use:   "balanced",
		Short: "Bridge a laboratory balance to HTTP clients",
		Long: "balanced maintains the connection to a precision balance on the lab network and\n" +
			"serves its status, single readings and weight streams (SSE) via HTTP.\n" +
			"Without a configured balance all clients are directed to manual entry.",
		Example:      "  balanced --host 10.0.0.7 --port 8001\n  balanced --config /etc/labscale/config.toml",
		Version:      fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {

			// Build set of explicitly set flags, these take precedence over file and env
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = config.DefaultPath()
			}
			if cfgFile != "" && config.FileExists(cfgFile) {
				if err := config.LoadFile(&cfg, cfgFile, changed); err != nil {
					return err
				}
			} else if cfgPath != "" {
				return fmt.Errorf("config file %s does not exist", cfgPath)
			}
			if err := config.ApplyEnv(&cfg, changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.labscale/config.toml)")
	root.Flags().StringVar(&cfg.Host, "host", cfg.Host, "host / IP of the balance (empty: manual entry only)")
	root.Flags().IntVar(&cfg.Port, "port", cfg.Port, "TCP port of the balance")
	root.Flags().StringVar(&cfg.SerialDevice, "serial-device", cfg.SerialDevice, "serial device of the balance (instead of host)")
	root.Flags().IntVar(&cfg.BaudRate, "baud-rate", cfg.BaudRate, "baud rate of the serial device")
	root.Flags().DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "timeout of a connection attempt")
	root.Flags().DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "timeout waiting for a response of the balance")
	root.Flags().DurationVar(&cfg.KeepAlive, "keep-alive", cfg.KeepAlive, "TCP keep-alive period (0: system default)")
	root.Flags().DurationVar(&cfg.IdleProbe, "idle-probe", cfg.IdleProbe, "request a reading after this idle time to detect dead connections (0: off)")
	root.Flags().DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "initial delay between reconnection attempts")
	root.Flags().DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "maximum delay between reconnection attempts")
	root.Flags().DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "pause between two readings of a weight stream")
	root.Flags().IntVar(&cfg.WindowSize, "window-size", cfg.WindowSize, "number of readings the stability verdict is based on")
	root.Flags().Float64Var(&cfg.Tolerance, "tolerance", cfg.Tolerance, "maximum spread of a stable window")
	root.Flags().StringVar(&cfg.Listen, "listen", cfg.Listen, "endpoint to serve the HTTP API on")
	root.Flags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {

	logger := scale.NewNamedLogger(cfg.Debug, "balanced")
	defer func() {
		_ = logger.Sync()
	}()
	logger.Infow("configuration", "config", cfg)

	l := link.New(cfg.Link(),
		link.WithLogger(logger.Named("link")),
		link.WithBackoff(cfg.BackoffInitial, cfg.BackoffMax),
	)
	l.SetStateChangeHandler(func(status scale.ConnectionStatus) {
		logger.Infow("balance state changed", "state", status.State, "error", status.Error)
	})
	if err := l.Start(); err != nil {
		return err
	}

	a := api.New(l,
		api.WithLogger(logger.Named("api")),
		api.WithSessionOptions(
			stream.WithInterval(cfg.PollInterval),
			stream.WithWindow(cfg.WindowSize, cfg.Tolerance),
			stream.WithLogger(logger.Named("stream")),
		),
	)

	errs := make(chan error, 1)
	go func() {
		errs <- a.Listen(cfg.Listen)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)

	var err error
	select {
	case sig := <-sigChan:
		logger.Infof("got signal %s, shutting down", sig)
	case err = <-errs:
		logger.Errorf("failed to serve API: %s", err)
	}

	if serr := a.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	if lerr := l.Stop(); lerr != nil && err == nil {
		err = lerr
	}

	return err
}
