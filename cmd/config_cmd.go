package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dnl0037/db-migrations/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View, validate and create the dbmigrate configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current config (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrEnv(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		fmt.Println("Current configuration:")
		fmt.Println()
		fmt.Printf("  Source:\n")
		fmt.Printf("    Type:           %s\n", cfg.Source.Type)
		if cfg.Source.Type == "sqlite" {
			fmt.Printf("    Path:           %s\n", cfg.Source.Path)
		} else {
			fmt.Printf("    Host:           %s\n", cfg.Source.Host)
			fmt.Printf("    Port:           %d\n", cfg.Source.Port)
			fmt.Printf("    Database:       %s\n", cfg.Source.Database)
			fmt.Printf("    Username:       %s\n", cfg.Source.Username)
			fmt.Printf("    Password:       %s\n", maskSecret(cfg.Source.Password))
		}
		fmt.Printf("    Max Conns:      %d\n", cfg.Source.MaxConnections)
		fmt.Println()
		fmt.Printf("  Target:\n")
		fmt.Printf("    Type:           %s\n", cfg.Target.Type)
		switch cfg.Target.Type {
		case "sqlite":
			fmt.Printf("    Path:           %s\n", cfg.Target.Path)
		case "mongodb":
			fmt.Printf("    Connection:     %s\n", maskSecret(cfg.Target.ConnectionString))
			fmt.Printf("    Database:       %s\n", cfg.Target.Database)
		default:
			fmt.Printf("    Host:           %s\n", cfg.Target.Host)
			fmt.Printf("    Port:           %d\n", cfg.Target.Port)
			fmt.Printf("    Database:       %s\n", cfg.Target.Database)
			fmt.Printf("    Username:       %s\n", cfg.Target.Username)
			fmt.Printf("    Password:       %s\n", maskSecret(cfg.Target.Password))
		}
		fmt.Println()
		fmt.Printf("  Migration:\n")
		fmt.Printf("    Batch Size:     %d\n", cfg.Migration.BatchSize)
		fmt.Printf("    Clear Target:   %t\n", cfg.Migration.ClearTarget)
		fmt.Printf("    Max Retries:    %d\n", cfg.Migration.Retries())
		fmt.Printf("    Prefetch:       %t\n", cfg.Migration.Prefetch)
		if order, err := cfg.Migration.Order(); err == nil {
			names := make([]string, len(order))
			for i, e := range order {
				names[i] = string(e)
			}
			fmt.Printf("    Entity Order:   %s\n", strings.Join(names, ", "))
		}

		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrEnv(cfgFile)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}

		if problems := cfg.Validate(); len(problems) > 0 {
			fmt.Println("Validation errors:")
			for _, p := range problems {
				fmt.Printf("  - %s\n", p)
			}
			return fmt.Errorf("%d validation error(s)", len(problems))
		}

		fmt.Println("Configuration is valid.")
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.ExpandHome(config.DefaultPath)
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
