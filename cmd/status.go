package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dnl0037/db-migrations/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the current or most recent run",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := newEngine(nil)
		if err != nil {
			return err
		}
		defer closer.Close()

		rs, err := eng.Status()
		if err != nil {
			return err
		}
		st := rs.State
		if st.RunID == "" {
			fmt.Println("No migration has been run yet.")
			return nil
		}

		fmt.Printf("Run:          %s\n", st.RunID)
		fmt.Printf("Phase:        %s\n", st.Phase)
		fmt.Printf("Started:      %s\n", st.StartedAt.Format(time.RFC3339))
		fmt.Printf("Last update:  %s\n", st.LastUpdated.Format(time.RFC3339))
		fmt.Printf("Source:       %s\n", st.SourceType)
		fmt.Printf("Target:       %s\n", st.TargetType)
		switch {
		case rs.LockHeld:
			fmt.Printf("Running:      yes (pid %d)\n", rs.LockPID)
		case rs.Stale:
			fmt.Println("Running:      no; the process exited without recording an outcome")
		default:
			fmt.Println("Running:      no")
		}
		fmt.Println()

		fmt.Printf("  %-12s %-10s %8s %8s %8s %8s %8s\n", "ENTITY", "STATUS", "SOURCE", "READ", "LOADED", "REJECTED", "FAILED")
		for _, e := range model.DefaultOrder {
			es, ok := st.Entities[e]
			if !ok {
				continue
			}
			fmt.Printf("  %-12s %-10s %8d %8d %8d %8d %8d\n",
				e, es.Status, es.SourceRows, es.Read, es.Loaded, es.Rejected, es.LoadFailed)
		}

		if st.Status != "" {
			fmt.Printf("\nResult:       %s\n", st.Status)
		}
		if st.Error != "" {
			fmt.Printf("Error:        %s\n", st.Error)
		}
		if st.ReportPath != "" {
			fmt.Printf("Report:       %s\n", st.ReportPath)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test the source and target connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := newEngine(nil)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := eng.CheckConnections(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Connection check failed: %v\n", err)
			return err
		}
		fmt.Println("Source and target are reachable.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
}
