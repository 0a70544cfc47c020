package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telluric-io/tern/pkg/api"
	"github.com/telluric-io/tern/pkg/config"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/manager"
	"github.com/telluric-io/tern/pkg/runtime"
	"github.com/telluric-io/tern/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the processing engine and its API server",
	Long: `Start a tern node: opens the store, connects to containerd when the
role executes packages locally, and serves the processes API until
interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Configuration file (YAML)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("serve")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	var runner runtime.Runner
	if cfg.Role == config.RoleEMS {
		runner = runtime.NopRunner{}
	} else {
		runner, err = runtime.NewContainerdRunner(cfg.ContainerdSocket)
		if err != nil {
			return err
		}
	}

	engine, err := manager.New(cfg, store, runner)
	if err != nil {
		return err
	}
	defer engine.Close()

	server := api.NewServer(cfg, engine)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info().
		Str("role", string(cfg.Role)).
		Str("addr", cfg.BindAddr).
		Msg("node started")
	fmt.Printf("Tern is running on %s (role %s). Press Ctrl+C to stop.\n", cfg.BindAddr, cfg.Role)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Stop(ctx)
}
