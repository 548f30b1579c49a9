package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/castkit/castkit/internal/ledger/sqlite"
	"github.com/castkit/castkit/internal/model"
	"github.com/castkit/castkit/internal/printer"
)

type PendingCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	owner  string
	format string
}

// NewPendingCommand returns the pending command.
func NewPendingCommand(rootCmd *RootCommand, app *kingpin.Application) *PendingCommand {
	c := &PendingCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("pending", "List the persisted pending operations.")
	c.Cmd.Flag("owner", "Only list records of one owner context.").StringVar(&c.owner)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c PendingCommand) Name() string { return c.Cmd.FullCommand() }

func (c PendingCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Open the pending-set ledger (SQLite).
	l, err := sqlite.NewLedger(ctx, sqlite.LedgerConfig{
		DBPath: c.rootCmd.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not open pending-set database: %w", err)
	}
	defer l.Close()

	var records []model.PendingRecord
	if c.owner != "" {
		records, err = l.ListByOwner(ctx, c.owner)
	} else {
		records, err = l.List(ctx)
	}
	if err != nil {
		return fmt.Errorf("could not list pending records: %w", err)
	}

	// Print output.
	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout)
	default: // table
		p = printer.NewTablePrinter(c.rootCmd.Stdout)
	}

	if len(records) == 0 {
		return p.PrintMessage("No pending operations.")
	}

	return p.PrintPending(records)
}
