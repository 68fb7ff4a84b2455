package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Vannakem2021/ecommerce-last-sub005/server"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the favorites server",
	Long: "Serve the favorites API backed by SQLite, with bearer token authentication,\n" +
		"a websocket change feed at /favorites/feed and Prometheus metrics at /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		if cfg.Server.AuthKeys == "" {
			return fmt.Errorf("no signing keys; set server.auth_keys to one or more base64 keys")
		}

		auth, err := server.NewKeyedAuth(cfg.Server.AuthKeys)
		if err != nil {
			return fmt.Errorf("invalid server.auth_keys: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o750); err != nil {
			return err
		}
		store, err := server.OpenStore(cfg.Server.DBPath + "?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			return err
		}
		defer store.Close()

		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.NewRouter(store, auth, server.NewHub()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var errCh = make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.WithFields(log.Fields{"addr": cfg.Server.Addr, "db": cfg.Server.DBPath}).Info("serving favorites")

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
