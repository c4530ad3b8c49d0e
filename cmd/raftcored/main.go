// Command raftcored runs one node of the replicated registry
// consensus core: the Raft engine, the durable log, the registry
// reducer, and the HTTP harness that ties them to peers and clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ocireg/raftcore/internal/config"
	"github.com/ocireg/raftcore/internal/harness"
	"github.com/ocireg/raftcore/internal/machine"
	"github.com/ocireg/raftcore/internal/reducer"
	"github.com/ocireg/raftcore/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "raftcored",
	Short: "Replicated registry consensus node",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this node and join the configured cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to the node's YAML configuration file")
	serveCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func serve(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg.Logging).With().Str("node", cfg.Node.Identifier).Logger()

	store, entries, term, votedFor, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var peerIDs []string
	var peers []harness.Peer
	for _, p := range cfg.Peers {
		peerIDs = append(peerIDs, p.Name)
		peers = append(peers, harness.Peer{
			ID:      p.Name,
			BaseURL: fmt.Sprintf("http://%s:%d", p.Address, p.Port),
		})
	}

	m := machine.New(cfg.Node.Identifier, peerIDs, machine.DefaultConfig())
	if len(entries) > 0 || term > 0 || votedFor != "" {
		fullLog := append([]machine.LogEntry{{Term: 0}}, entries...)
		m.LoadPersisted(term, votedFor, fullLog)
	}

	red := reducer.New()

	h := harness.New(harness.Config{
		ID:    cfg.Node.Identifier,
		Peers: peers,
		Log:   log,
	}, m, store, red)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Raft.Address, cfg.Raft.Port),
		Handler: h.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("raft harness listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	h.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
