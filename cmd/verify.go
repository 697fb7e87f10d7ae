package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/dnl0037/db-migrations/internal/validation"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the target for orphaned references and wrong subtotals",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closer, err := newEngine(nil)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		result, err := eng.Verify(ctx, func(c validation.Check) {
			mark := "OK"
			if !c.Passed() {
				mark = "XX"
			}
			fmt.Printf("  [%s] %-8s %s", mark, c.Kind, c.Name)
			if c.Message != "" {
				fmt.Printf(": %s", c.Message)
			}
			fmt.Println()
		})
		if err != nil {
			return err
		}
		fmt.Printf("\nOverall: %s\n", result.Status)
		if result.Status != validation.StatusPass {
			return fmt.Errorf("verification failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
