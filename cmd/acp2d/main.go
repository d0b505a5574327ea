// Command acp2d runs the protocol bridge: a RESTful HTTP+SSE surface north,
// and locally-launched agent subprocesses speaking line-delimited JSON-RPC
// south, per spec.md §1-§2.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/acp2/api"
	"github.com/m4xw311/acp2/acpproc"
	"github.com/m4xw311/acp2/applog"
	"github.com/m4xw311/acp2/config"
	"github.com/m4xw311/acp2/registry"
	"github.com/m4xw311/acp2/runmanager"
	"github.com/m4xw311/acp2/sessionmgr"
	"github.com/m4xw311/acp2/store"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var registryPath string

	root := &cobra.Command{
		Use:           "acp2d",
		Short:         "ACP2 protocol bridge daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&registryPath, "agents", "./agents.json", "path to the agent registry document")

	root.AddCommand(newServeCmd(&registryPath))
	root.AddCommand(newAgentsCmd(&registryPath))
	return root
}

func newServeCmd(registryPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*registryPath)
		},
	}
}

func newAgentsCmd(registryPath *string) *cobra.Command {
	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the agent registry",
	}
	agentsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every configured agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsList(*registryPath)
		},
	})
	return agentsCmd
}

func runAgentsList(registryPath string) error {
	reg, err := registry.Load(registryPath)
	if err != nil {
		return err
	}
	for _, spec := range reg.List() {
		fmt.Printf("%-20s %s\n", spec.Name, spec.Description)
	}
	return nil
}

func runServe(registryPath string) error {
	cfg, err := config.Load(registryPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := applog.New(cfg.LogLevel, "console")
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		log.Error("failed to load agent registry", zap.Error(err))
		return err
	}
	log.Info("loaded agent registry", zap.Int("agent_count", len(reg.List())))

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Error("failed to open session store", zap.Error(err))
		return err
	}
	defer st.Close()

	sm := sessionmgr.New(reg, st, log, acpproc.Options{}, cfg.IdleTimeout)
	rm := runmanager.New(reg, st, sm, log)
	srv := api.NewServer(reg, st, sm, rm, log, cfg.AuthToken)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams can run indefinitely
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sm.RunSweeper(sweepCtx, time.Minute, cfg.IdleTimeout)

	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr), zap.Bool("auth_enabled", cfg.AuthEnabled()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down acp2d")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("acp2d stopped")
	return nil
}
