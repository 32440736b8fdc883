package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"alwaysok/internal/auth"
	metricspkg "alwaysok/internal/metrics"
	"alwaysok/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve HTTP and HTTPS, answering every request with 200",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "plain HTTP listen address")
	serveCmd.Flags().String("listen-tls", "", "HTTPS listen address")
	serveCmd.Flags().Bool("preload", false, "load the CA and issue the default certificate before serving")
	viper.BindPFlag("serve.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("serve.listen-tls", serveCmd.Flags().Lookup("listen-tls"))
	viper.BindPFlag("serve.preload", serveCmd.Flags().Lookup("preload"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if v := viper.GetString("serve.listen"); v != "" {
		cfg.Listen = v
	}
	if v := viper.GetString("serve.listen-tls"); v != "" {
		cfg.ListenTLS = v
	}
	log.Infof("starting alwaysok, listen=%s, listen_tls=%s", cfg.Listen, cfg.ListenTLS)

	stats := metricspkg.NewAggregator()
	res, loader, store, err := newResolver(cfg, log, stats)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	if viper.GetBool("serve.preload") {
		if _, err := loader.Authority(); err != nil {
			return err
		}
		if _, err := res.Resolve(cmd.Context(), ""); err != nil {
			return err
		}
	}

	srv, err := server.NewServer(cfg, log, res, stats)
	if err != nil {
		return err
	}

	// metrics server (optional)
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		guard := auth.Basic{
			Enabled:  cfg.Security.BasicAuth.Enabled,
			Username: cfg.Security.BasicAuth.Username,
			Password: cfg.Security.BasicAuth.Password,
		}
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricspkg.NewMux(stats, guard),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("metrics listening on %s", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server error: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	log.WithField("certificates", res.Len()).Info("stopped")
	return nil
}
