package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sebas/click2call/internal/banner"
	"github.com/sebas/click2call/internal/logger"
	"github.com/sebas/click2call/internal/signaling/app"
	"github.com/sebas/click2call/internal/signaling/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"bind":             "BIND",
	"port":             "PORT",
	"grpc-health-port": "GRPC_HEALTH_PORT",
	"log-level":        "LOG_LEVEL",
	"log-file":         "LOG_FILE",
	"widgets":          "WIDGETS_PATH",
	"environment":      "ENVIRONMENT",
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "signaling",
		Short:        "Click2Call signaling relay and inbound call router",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}

	f := cmd.Flags()
	f.String("env-file", "", "env file to read (default $ENV_PATH or ./.env)")
	f.String("bind", "0.0.0.0", "HTTP bind address")
	f.Int("port", 3002, "HTTP port for API, webhooks and websocket")
	f.Int("grpc-health-port", 0, "gRPC health port (0 disables)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-file", "", "also write logs to this rotated file")
	f.String("widgets", "resources/config/widgets.json", "widgets JSON file")
	f.String("environment", "development", "deployment environment")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

func run(cmd *cobra.Command) error {
	v := config.NewViper()
	if path, _ := cmd.Flags().GetString("env-file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read env file: %w", err)
		}
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	outputs := []io.Writer{os.Stdout}
	if cfg.LogFile != "" {
		file := logger.NewFileWriter(logger.FileOptions{Path: cfg.LogFile})
		defer file.Close()
		outputs = append(outputs, file)
	}
	logger.SetLevel(cfg.LogLevel)
	logger.InitLogger(outputs...)

	server, err := app.NewServer(cfg, version, slog.Default())
	if err != nil {
		slog.Error("Failed to create signaling server", "error", err)
		return err
	}
	defer server.Close()

	printBanner(cmd.OutOrStdout(), cfg)
	logNetworkInterfaces()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, server)

	if err := server.Run(ctx); err != nil {
		slog.Error("Server error", "error", err)
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}

// reloadOnHangup reloads widget configuration on SIGHUP.
func reloadOnHangup(ctx context.Context, server *app.Click2Call) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := server.ReloadWidgets(); err != nil {
				slog.Error("Widget reload failed, keeping previous set", "error", err)
				continue
			}
			slog.Info("Widgets reloaded")
		}
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	authMode := "open"
	switch {
	case cfg.JWTSecret != "" && cfg.APIKeys != "":
		authMode = "jwt, api keys"
	case cfg.JWTSecret != "":
		authMode = "jwt"
	case cfg.APIKeys != "":
		authMode = "api keys"
	}
	widgets := cfg.WidgetsPath
	if cfg.RedisURL != "" {
		widgets = "redis"
	}
	grpcHealth := "disabled"
	if cfg.GRPCHealthPort > 0 {
		grpcHealth = strconv.Itoa(cfg.GRPCHealthPort)
	}

	banner.Print(w, "Signaling Server "+version, []banner.ConfigLine{
		{Label: "Environment", Value: cfg.Environment},
		{Label: "HTTP", Value: cfg.Addr()},
		{Label: "Signaling", Value: cfg.SignalingPath},
		{Label: "gRPC health", Value: grpcHealth},
		{Label: "Origins", Value: strings.Join(cfg.AllowedOrigins, ", ")},
		{Label: "Auth", Value: authMode},
		{Label: "Widgets", Value: widgets},
		{Label: "Events", Value: cfg.EventsBackend},
		{Label: "Log level", Value: cfg.LogLevel},
	})
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
