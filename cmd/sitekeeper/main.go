package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitekeeper/sitekeeper/pkg/config"
	"github.com/sitekeeper/sitekeeper/pkg/log"
	"github.com/sitekeeper/sitekeeper/pkg/master"
	"github.com/sitekeeper/sitekeeper/pkg/slave"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sitekeeper",
	Short: "SiteKeeper - distributed site management",
	Long: `SiteKeeper orchestrates maintenance operations across the nodes of a
site: a master coordinates staged workflows while slave agents execute
per-node tasks with readiness gating, progress reporting, and a full
on-disk audit journal.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"SiteKeeper version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(slaveCmd)
}

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the SiteKeeper master",
	Long: `Run the master process: the agent transport, the REST API, the health
monitor, and the action coordinator with its on-disk journal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		envName, _ := cmd.Flags().GetString("environment")
		logLevel, _ := cmd.Flags().GetString("log-level")

		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}
		if envName != "" {
			cfg.EnvironmentName = envName
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})

		m, err := master.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create master: %w", err)
		}
		if err := m.Start(); err != nil {
			return fmt.Errorf("failed to start master: %w", err)
		}

		waitForSignal()
		m.Stop()
		return nil
	},
}

var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "Run a SiteKeeper slave agent",
	Long: `Run a slave agent: it connects to the master, heartbeats, and executes
dispatched tasks, reconnecting automatically when the master is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeName, _ := cmd.Flags().GetString("node-name")
		masterURL, _ := cmd.Flags().GetString("master-url")
		heartbeatSec, _ := cmd.Flags().GetInt("heartbeat-interval")
		maxTasks, _ := cmd.Flags().GetInt("max-concurrent-tasks")
		workDir, _ := cmd.Flags().GetString("work-dir")
		logLevel, _ := cmd.Flags().GetString("log-level")

		if nodeName == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("node-name not set and hostname unavailable: %w", err)
			}
			nodeName = hostname
		}

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
		slave.Version = Version

		agent := slave.NewAgent(slave.Config{
			NodeName:           nodeName,
			MasterURL:          masterURL,
			HeartbeatInterval:  time.Duration(heartbeatSec) * time.Second,
			MaxConcurrentTasks: maxTasks,
		}, []slave.Executor{
			slave.NewVerifyConfiguration(workDir),
			slave.NewOrchestrationSimulation(),
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		agent.Run(ctx)
		return nil
	},
}

func init() {
	masterCmd.Flags().String("config", "", "Path to YAML configuration file")
	masterCmd.Flags().String("environment", "", "Environment name (overrides config)")
	masterCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")

	slaveCmd.Flags().String("node-name", "", "Node name (defaults to hostname)")
	slaveCmd.Flags().String("master-url", "ws://localhost:7400/agent", "Master agent endpoint")
	slaveCmd.Flags().Int("heartbeat-interval", 15, "Heartbeat interval in seconds")
	slaveCmd.Flags().Int("max-concurrent-tasks", 4, "Maximum concurrent tasks")
	slaveCmd.Flags().String("work-dir", "", "Working directory probed by verification")
	slaveCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
