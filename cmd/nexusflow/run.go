package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/cipher"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/eventbus"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/sessionpool"
	"github.com/haasonsaas/nexus/internal/stepexecutor"
	"github.com/haasonsaas/nexus/internal/store"
	"github.com/haasonsaas/nexus/pkg/flow"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath    string
		flowPath      string
		resourcesPath string
		userID        string
		rawVars       []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one flow to completion, streaming its events to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseKeyValueArgs(rawVars)
			if err != nil {
				return err
			}
			return runFlow(cmd.Context(), cmd.OutOrStdout(), runOptions{
				configPath:    configPath,
				flowPath:      flowPath,
				resourcesPath: resourcesPath,
				userID:        userID,
				variables:     vars,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a nexusflow YAML config file (optional; defaults to an in-memory store)")
	cmd.Flags().StringVar(&flowPath, "flow", "", "Path to a flow definition JSON file")
	cmd.Flags().StringVar(&resourcesPath, "resources", "", "Path to a JSON file defining agents, endpoints, and tool connections")
	cmd.Flags().StringVar(&userID, "user", "cli", "User id recorded on the execution")
	cmd.Flags().StringArrayVar(&rawVars, "var", nil, "Flow input variable (key=value), repeatable")
	cmd.MarkFlagRequired("flow")     //nolint:errcheck
	cmd.MarkFlagRequired("resources") //nolint:errcheck

	return cmd
}

type runOptions struct {
	configPath    string
	flowPath      string
	resourcesPath string
	userID        string
	variables     map[string]string
}

func runFlow(ctx context.Context, out io.Writer, opts runOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadOrDefaultConfig(opts.configPath)
	if err != nil {
		return err
	}

	masterCipher, err := cipher.NewFromSeed(cfg.Cipher.MasterKeySeed)
	if err != nil {
		return fmt.Errorf("build cipher: %w", err)
	}

	stores, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close() //nolint:errcheck

	bundle, err := loadResourceBundle(opts.resourcesPath, masterCipher)
	if err != nil {
		return err
	}
	f, err := loadFlow(opts.flowPath)
	if err != nil {
		return err
	}
	if err := seedResources(ctx, stores, bundle, f); err != nil {
		return err
	}

	pool := sessionpool.New(stores.Connections.GetConnection, masterCipher.DecryptString, slog.Default())
	go pool.StartSweeper(ctx)
	defer pool.Stop()

	steps := &stepexecutor.Executor{
		Agents:    stores.Agents,
		Endpoints: stores.Endpoints,
		Tools:     pool,
		Providers: buildProviderResolver(),
		Decrypt:   masterCipher.DecryptString,
	}

	bus := eventbus.New(stores.Events)
	orch := orchestrator.New(stores.Flows, stores.Executions, bus, steps, pool)

	executionID, err := orch.ExecuteFlow(ctx, f.ID, opts.userID, opts.variables)
	if err != nil {
		return fmt.Errorf("execute flow: %w", err)
	}
	fmt.Fprintf(out, "execution %s started\n", executionID)

	return streamUntilTerminal(ctx, bus, executionID, out)
}

func streamUntilTerminal(ctx context.Context, bus *eventbus.Bus, executionID string, out io.Writer) error {
	events, unsubscribe, err := bus.Subscribe(ctx, executionID)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	defer unsubscribe()

	for event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))

		switch event.Kind {
		case flow.EventExecutionCompleted:
			return nil
		case flow.EventExecutionFailed:
			return fmt.Errorf("execution failed: %s", event.Message)
		case flow.EventExecutionCancelled:
			return fmt.Errorf("execution cancelled")
		}
	}
	return ctx.Err()
}

func loadOrDefaultConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return &config.Config{
			Storage: config.StorageConfig{Driver: "memory"},
			Cipher:  config.CipherConfig{MasterKeySeed: "nexusflow-dev-seed"},
		}, nil
	}
	return config.Load(path)
}

func openStore(cfg config.StorageConfig) (store.Set, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return store.NewMemorySet(), nil
	case "sqlite":
		return store.NewSQLiteSet(cfg.SQLitePath)
	case "postgres":
		return store.NewPostgresSet(cfg.PostgresDSN)
	default:
		return store.Set{}, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func seedResources(ctx context.Context, stores store.Set, bundle resourceBundle, f flow.Flow) error {
	for _, agent := range bundle.Agents {
		if err := stores.Agents.CreateAgent(ctx, agent); err != nil {
			return fmt.Errorf("seed agent %s: %w", agent.ID, err)
		}
	}
	for _, endpoint := range bundle.Endpoints {
		if err := stores.Endpoints.CreateEndpoint(ctx, endpoint); err != nil {
			return fmt.Errorf("seed endpoint %s: %w", endpoint.ID, err)
		}
	}
	for _, conn := range bundle.Connections {
		if err := stores.Connections.CreateConnection(ctx, conn); err != nil {
			return fmt.Errorf("seed connection %s: %w", conn.ID, err)
		}
	}
	if err := stores.Flows.CreateFlow(ctx, f); err != nil {
		return fmt.Errorf("seed flow %s: %w", f.ID, err)
	}
	return nil
}

func parseKeyValueArgs(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", item)
		}
		out[strings.TrimSpace(parts[0])] = parts[1]
	}
	return out, nil
}
