package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/dnl0037/db-migrations/internal/engine"
	"github.com/dnl0037/db-migrations/internal/migration"
	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/report"
	"github.com/dnl0037/db-migrations/internal/tui"
)

var (
	migrateClear     bool
	migrateBatchSize int
	migrateDryRun    bool
	migrateTUI       bool
	migrateReport    string
	migrateMaxIssues int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the migration",
	Long: `Read every source table in dependency order, clean and normalize each row,
and load the result in batches. Rows that fail a rule are skipped and listed
in the report; the run only stops early if a database becomes unreachable
or the source schema does not match.

Interrupting (Ctrl+C) stops after the current batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var console io.Writer = os.Stdout
		if migrateTUI {
			console = nil
		}
		eng, closer, err := newEngine(console)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := engine.MigrateOptions{
			BatchSize:  migrateBatchSize,
			DryRun:     migrateDryRun,
			ReportPath: migrateReport,
		}
		if cmd.Flags().Changed("clear") {
			opts.ClearTarget = &migrateClear
		}

		var res *engine.MigrateResult
		if migrateTUI {
			res, err = runWithTUI(ctx, eng, opts)
		} else {
			res, err = eng.Migrate(ctx, opts)
		}

		if res != nil {
			fmt.Println()
			fmt.Print(report.Summary(res.Report, migrateMaxIssues))
			for _, p := range res.ReportPaths {
				fmt.Printf("Report written to %s\n", p)
			}
		}
		if errors.Is(err, migration.ErrCancelled) {
			fmt.Println("Migration cancelled; rows from completed batches remain in the target.")
		}
		return err
	},
}

func runWithTUI(ctx context.Context, eng *engine.Engine, opts engine.MigrateOptions) (*engine.MigrateResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	order, err := eng.Config.Migration.Order()
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		order = model.DefaultOrder
	}
	p := tea.NewProgram(tui.NewProgressModel(order, cancel))

	var (
		res    *engine.MigrateResult
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		opts.Callback = func(s migration.Status) { p.Send(tui.StatusMsg(s)) }
		res, runErr = eng.Migrate(ctx, opts)
		msg := tui.DoneMsg{Err: runErr}
		if res != nil {
			msg.Report = res.Report
		}
		p.Send(msg)
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return res, fmt.Errorf("running progress view: %w", err)
	}
	// the view may be closed before the run ends
	cancel()
	<-done
	return res, runErr
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateClear, "clear", false, "delete existing target rows first (default from config)")
	migrateCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 0, "rows per batch (default from config)")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "load into a scratch SQLite database and report, leaving the target untouched")
	migrateCmd.Flags().BoolVar(&migrateTUI, "tui", false, "show a live progress view")
	migrateCmd.Flags().StringVar(&migrateReport, "report", "", "report path; .txt writes text, anything else JSON")
	migrateCmd.Flags().IntVar(&migrateMaxIssues, "max-issues", 20, "issues listed in the terminal summary")
	rootCmd.AddCommand(migrateCmd)
}
