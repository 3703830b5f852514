package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Desarso/chatstream"
	"github.com/Desarso/chatstream/server"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides CHAT_SERVER_ADDR)")
	serveCmd.Flags().String("store", "", "store type: sqlite, postgres or memory")
	serveCmd.Flags().String("dsn", "", "store connection string")
	serveCmd.Flags().String("responder", "", "reply source: echo or gemini")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := server.DefaultConfig()
		if err := chatstream.LoadEnv(&cfg); err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
		if v, _ := cmd.Flags().GetString("addr"); v != "" {
			cfg.Addr = v
		}
		if v, _ := cmd.Flags().GetString("store"); v != "" {
			dsn, _ := cmd.Flags().GetString("dsn")
			cfg = cfg.WithStore(v, dsn)
		}
		if v, _ := cmd.Flags().GetString("responder"); v != "" {
			cfg.Responder = v
		}
		return serve(cfg)
	},
}

func serve(cfg server.Config) error {
	logger := log.New(os.Stdout, "[SERVER] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	srv.Start()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			srv.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	logger.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	return srv.Shutdown(shutdownCtx)
}
