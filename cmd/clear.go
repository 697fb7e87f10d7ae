package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/dnl0037/db-migrations/internal/model"
)

var clearConfirm bool

var clearCmd = &cobra.Command{
	Use:   "clear [entity...]",
	Short: "Delete migrated rows from the target",
	Long: `Delete the rows of the given entity types (users, products, orders,
order_lines) from the target, dependents first. With no arguments every
entity type is cleared. Requires --confirm.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var entities []model.EntityType
		for _, a := range args {
			e, err := model.ParseEntityType(a)
			if err != nil {
				return err
			}
			entities = append(entities, e)
		}
		if !clearConfirm {
			return fmt.Errorf("refusing to delete target rows without --confirm")
		}

		eng, closer, err := newEngine(os.Stdout)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := eng.Clear(ctx, entities); err != nil {
			return err
		}
		fmt.Println("Target cleared.")
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearConfirm, "confirm", false, "confirm deletion")
	rootCmd.AddCommand(clearCmd)
}
