package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	app "scopegate/internal"
	"scopegate/internal/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	flagVals   = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "scopegate",
	Short: "HTTP/3 WebSocket gateway with internal/external traffic metrics",
	Long: `scopegate accepts RFC 9220 WebSocket sessions over HTTP/3 and relays them to an
HTTP/1.1 WebSocket backend. Clients from --internal-network ranges are counted as
internal traffic (scope="true"), everything else as external (scope="false").`,
	Example: `  scopegate --backend ws://127.0.0.1:8080 --internal-network 10.0.0.0/8 --metrics 127.0.0.1:9090
  scopegate --config scopegate.yaml --log-level debug`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := &flagVals
	fl := rootCmd.Flags()

	fl.StringVarP(&configPath, "config", "c", "", "YAML config file; flags override its values")
	fl.StringVar(&f.ListenAddr, "listen", f.ListenAddr, "UDP listen addr for HTTP/3 (e.g. :443, :8443)")
	fl.StringVar(&f.CertFile, "cert", f.CertFile, "TLS cert PEM")
	fl.StringVar(&f.KeyFile, "key", f.KeyFile, "TLS key PEM")
	fl.StringVar(&f.BackendWS, "backend", f.BackendWS, "backend ws:// or wss:// URL (HTTP/1.1 WebSocket), without path")
	fl.StringVar(&f.PathPattern, "path", f.PathPattern, "regexp pattern for RFC9220 websocket CONNECT path")
	fl.StringVar(&f.MetricsAddr, "metrics", f.MetricsAddr, "TCP addr for Prometheus /metrics (empty disables metrics server)")
	fl.StringVar(&f.LogLevel, "log-level", f.LogLevel, "log level (debug, info, warn, error)")
	fl.StringSliceVar(&f.InternalNetworks, "internal-network", f.InternalNetworks, "CIDR whose clients count as internal traffic (repeatable)")
	fl.Int64Var(&f.MaxFrame, "max-frame", f.MaxFrame, "max ws frame payload bytes (H3 side)")
	fl.Int64Var(&f.MaxMessage, "max-message", f.MaxMessage, "max reassembled message bytes (H3 side)")
	fl.Int64Var(&f.MaxConns, "max-conns", f.MaxConns, "max concurrent sessions")
	fl.DurationVar(&f.ReadTimeout, "read-timeout", f.ReadTimeout, "read timeout")
	fl.DurationVar(&f.WriteTimeout, "write-timeout", f.WriteTimeout, "write timeout")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(configPath, flagVals, cmd.Flags().Changed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, cfg)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
