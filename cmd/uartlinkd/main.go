// Command uartlinkd is the CLI entry point.
//
// uartlinkd carries TCP sessions over a UART (or a serial line bridged
// through a WebSocket) with a reliable, ordered, session-multiplexed
// packet transport. One side runs "host" and accepts local TCP clients;
// the other runs "daemon" and forwards each session to a TCP target.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/uartlink/internal/app"
	"github.com/1ureka/uartlink/internal/config"
	"github.com/1ureka/uartlink/internal/device"
	"github.com/1ureka/uartlink/internal/util"
)

var version = "dev"

// options are flags that override the config file when set.
type options struct {
	configPath string
	debug      bool
	devicePath string
	deviceURL  string
	baud       int
	ackTimeout time.Duration
	maxRetries int
	listen     string
	target     string
	pin        string
	randomPIN  bool
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(&options{}).ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "uartlinkd",
		Short:        "Reliable session transport over a UART link",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&opts.devicePath, "device", "", "Serial device path, e.g. /dev/ttyUSB0")
	pf.StringVar(&opts.deviceURL, "url", "", "WebSocket URL of a remote serial bridge (instead of --device)")
	pf.IntVar(&opts.baud, "baud", 0, "Serial baud rate")
	pf.DurationVar(&opts.ackTimeout, "ack-timeout", 0, "Resend a package when no ACK/NAK arrives within this time")
	pf.IntVar(&opts.maxRetries, "max-retries", 0, "Give up on a session after this many resends (0 = never)")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Accept local TCP clients and open a session over the link for each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, config.RoleHost)
		},
	}
	hostCmd.Flags().StringVar(&opts.listen, "listen", "", "Local TCP address to accept clients on")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Forward every session opened by the host to a TCP target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts, config.RoleDaemon)
		},
	}
	daemonCmd.Flags().StringVar(&opts.target, "target", "", "TCP address each session is forwarded to")

	exposeCmd := &cobra.Command{
		Use:   "expose",
		Short: "Serve the local serial device to a remote uartlinkd over a WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, opts, config.RoleDaemon)
			if err != nil {
				return err
			}
			if opts.randomPIN {
				cfg.Expose.PIN = device.GeneratePIN(6)
			}
			if cfg.Debug {
				util.EnableDebug()
			}
			return app.Expose(cmd.Context(), cfg)
		},
	}
	exposeCmd.Flags().StringVar(&opts.listen, "listen", "", "Address the WebSocket server listens on")
	exposeCmd.Flags().StringVar(&opts.pin, "pin", "", "PIN clients must pass as ?pin=")
	exposeCmd.Flags().BoolVar(&opts.randomPIN, "random-pin", false, "Generate a random 6-digit PIN")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(hostCmd, daemonCmd, exposeCmd, versionCmd)
	return rootCmd
}

// run resolves the configuration and blocks until the context is cancelled.
func run(cmd *cobra.Command, opts *options, role config.Role) error {
	cfg, err := resolveConfig(cmd, opts, role)
	if err != nil {
		return err
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("uartlinkd v%s (%s on %s)", version, cfg.Role, cfg.DeviceName()))
	pterm.Println()

	if err := app.Run(cmd.Context(), cfg); err != nil {
		return err
	}
	util.LogInfo("link closed")
	return nil
}

// resolveConfig layers defaults, the config file and explicitly set flags,
// in that order.
func resolveConfig(cmd *cobra.Command, opts *options, role config.Role) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return config.Config{}, err
		}
	}
	cfg.Role = role

	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug = opts.debug
	}
	if flags.Changed("device") {
		cfg.Device.Kind = config.DeviceSerial
		cfg.Device.Path = opts.devicePath
	}
	if flags.Changed("url") {
		cfg.Device.Kind = config.DeviceWebSocket
		cfg.Device.URL = opts.deviceURL
	}
	if flags.Changed("baud") {
		cfg.Device.Baud = opts.baud
	}
	if flags.Changed("ack-timeout") {
		cfg.Transport.AckTimeout = opts.ackTimeout
	}
	if flags.Changed("max-retries") {
		cfg.Transport.MaxRetries = opts.maxRetries
	}
	if flags.Changed("listen") {
		if cmd.Name() == "expose" {
			cfg.Expose.Listen = opts.listen
		} else {
			cfg.Bridge.Listen = opts.listen
		}
	}
	if flags.Changed("pin") {
		cfg.Expose.PIN = opts.pin
	}
	if flags.Changed("target") {
		cfg.Bridge.Target = opts.target
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
