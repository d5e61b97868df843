package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/protekt/agent/pkg/agent"
	"github.com/protekt/agent/pkg/backup"
	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/saas"
	"github.com/protekt/agent/pkg/storage"
	"github.com/protekt/agent/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "protekt-agent",
	Short: "Protekt - offline-first endpoint monitoring and protection agent",
	Long: `Protekt watches an endpoint for ransomware-like file activity,
samples telemetry, detects anomalies, and keeps encrypted backups,
queueing everything locally so nothing is lost while the backend
is unreachable.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Protekt agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "agent.yaml", "Path to the agent configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig loads configuration and initializes logging for CLI use.
func loadConfig(logToFile bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}

	logCfg := log.Config{Level: log.Level(strings.ToLower(cfg.Get("agent", "log_level", "info")))}
	if logToFile {
		logCfg.LogDir = cfg.LogDir()
	}
	if err := log.Init(logCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %v", err)
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent daemon",
	Long: `Run every subsystem: telemetry sampling, file and process watching,
anomaly detection, backups, command polling, queue sync, and alerting.
Stops cleanly on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}

		a, err := agent.New(cfg, Version)
		if err != nil {
			return fmt.Errorf("failed to start agent: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return a.Run(ctx)
	},
}

// Backup commands
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage encrypted backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create --path PATH [--path PATH...]",
	Short: "Create an encrypted backup of the given paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, _ := cmd.Flags().GetStringSlice("path")
		description, _ := cmd.Flags().GetString("description")
		if len(paths) == 0 {
			return fmt.Errorf("at least one --path is required")
		}

		m, store, err := openBackupManager()
		if err != nil {
			return err
		}
		defer store.Close()

		rec, err := m.Create(paths, types.BackupManual, description)
		if err != nil {
			return fmt.Errorf("backup failed: %v", err)
		}

		fmt.Printf("✓ Backup created\n")
		fmt.Printf("  ID:   %s\n", rec.BackupID)
		fmt.Printf("  Path: %s\n", rec.BackupPath)
		fmt.Printf("  Size: %d bytes\n", rec.SizeBytes)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, store, err := openBackupManager()
		if err != nil {
			return err
		}
		defer store.Close()

		backups, err := m.List(50)
		if err != nil {
			return fmt.Errorf("failed to list backups: %v", err)
		}
		if len(backups) == 0 {
			fmt.Println("No backups recorded.")
			return nil
		}

		fmt.Printf("%-28s %-10s %-12s %-10s %s\n", "ID", "TYPE", "SIZE", "UPLOADED", "CREATED")
		for _, b := range backups {
			uploaded := "no"
			if b.Uploaded {
				uploaded = "yes"
			}
			fmt.Printf("%-28s %-10s %-12d %-10s %s\n",
				b.BackupID, b.BackupType, b.SizeBytes, uploaded,
				b.CreatedAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore BACKUP_ID",
	Short: "Restore a backup after verifying its checksum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		restorePath, _ := cmd.Flags().GetString("to")

		m, store, err := openBackupManager()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := m.Restore(args[0], restorePath); err != nil {
			return fmt.Errorf("restore failed: %v", err)
		}
		if restorePath == "" {
			restorePath = "./restore"
		}
		fmt.Printf("✓ Backup %s restored to %s\n", args[0], restorePath)
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)

	backupCreateCmd.Flags().StringSlice("path", nil, "Path to include in the backup (repeatable)")
	backupCreateCmd.Flags().String("description", "", "Free-form backup description")
	backupRestoreCmd.Flags().String("to", "", "Directory to restore into (default ./restore)")
}

func openBackupManager() (*backup.Manager, *storage.SQLiteStore, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, nil, err
	}

	store, err := storage.NewSQLiteStore(filepath.Join(cfg.DataDir(), "agent.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %v", err)
	}

	client := saas.NewClient(
		cfg.Get("saas", "base_url", ""),
		cfg.Get("saas", "api_key", ""),
		cfg.GetSeconds("saas", "timeout", 30*time.Second),
		300*time.Second,
	)

	m, err := backup.NewManager(store, client, cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return m, store, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registration and offline queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		store, err := storage.NewSQLiteStore(filepath.Join(cfg.DataDir(), "agent.db"))
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		reg, err := store.GetRegistration()
		if err == storage.ErrNotFound {
			fmt.Println("Device is not registered yet.")
		} else if err != nil {
			return fmt.Errorf("failed to read registration: %v", err)
		} else {
			fmt.Println("Registration:")
			fmt.Printf("  Device ID: %s\n", reg.DeviceID)
			fmt.Printf("  Org ID:    %s\n", reg.OrgID)
			fmt.Printf("  Status:    %s\n", reg.Status)
			if reg.LastHeartbeat != nil {
				fmt.Printf("  Heartbeat: %s\n", reg.LastHeartbeat.Local().Format(time.RFC3339))
			}
		}

		statusCounts, pendingByType, err := store.QueueCounts()
		if err != nil {
			return fmt.Errorf("failed to read queue: %v", err)
		}

		fmt.Println("\nOffline queue:")
		if len(statusCounts) == 0 {
			fmt.Println("  empty")
			return nil
		}
		for status, count := range statusCounts {
			fmt.Printf("  %-10s %d\n", status, count)
		}
		if len(pendingByType) > 0 {
			fmt.Println("\nPending by type:")
			for queueType, count := range pendingByType {
				fmt.Printf("  %-16s %d\n", queueType, count)
			}
		}
		return nil
	},
}
