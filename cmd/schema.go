package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dnl0037/db-migrations/internal/mapping"
	"github.com/dnl0037/db-migrations/internal/schema"
)

var schemaFormat string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show or create the normalized target schema",
}

var schemaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the target schema",
	Long: `Print the normalized target schema. Formats: tables (default), yaml,
postgresql and sqlite (DDL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := mapping.SortSchema(schema.Target())
		if err != nil {
			return err
		}
		switch schemaFormat {
		case "tables":
			fmt.Println(s.Summary())
			fmt.Println()
			fmt.Print(s.Describe())
			return nil
		case "yaml":
			return s.EncodeYAML(os.Stdout)
		case "postgresql", "sqlite":
			dialect := schema.Postgres
			if schemaFormat == "sqlite" {
				dialect = schema.SQLite
			}
			stmts, err := s.DDL(dialect, "")
			if err != nil {
				return err
			}
			for _, stmt := range stmts {
				fmt.Println(stmt + ";")
				fmt.Println()
			}
			return nil
		}
		return fmt.Errorf("unknown format %q", schemaFormat)
	},
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create the target tables and indexes if they are missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := newEngine(os.Stdout)
		if err != nil {
			return err
		}
		defer closer.Close()

		if err := eng.ApplySchema(context.Background()); err != nil {
			return err
		}
		fmt.Println("Target schema is in place.")
		return nil
	},
}

func init() {
	schemaShowCmd.Flags().StringVar(&schemaFormat, "format", "tables", "tables, yaml, postgresql or sqlite")
	schemaCmd.AddCommand(schemaShowCmd)
	schemaCmd.AddCommand(schemaApplyCmd)
	rootCmd.AddCommand(schemaCmd)
}
