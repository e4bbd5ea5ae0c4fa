package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/geoattr/internal/config"
	"github.com/sells-group/geoattr/internal/layer"
	"github.com/sells-group/geoattr/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP attribution service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		l, err := openLayer(ctx, cfg, cfg.Server.Layer)
		if err != nil {
			return err
		}
		return newServer(cfg.Server, l).ListenAndServe(ctx, port)
	},
}

func newServer(sc config.ServerConfig, l *layer.Layer) *server.Server {
	return server.New(l.Cache, server.Options{
		Layer:          l.Name,
		RegionProperty: l.Config.RegionProperty,
		RateLimitRPS:   sc.RateLimitRPS,
		RateLimitBurst: sc.RateLimitBurst,
		AllowedOrigins: sc.AllowedOrigins,
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
