package commands_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castkit/castkit/cmd/castkit/commands"
	"github.com/castkit/castkit/internal/ledger/sqlite"
	"github.com/castkit/castkit/internal/model"
)

func newPendingDB(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "castkit.db")

	l, err := sqlite.NewLedger(ctx, sqlite.LedgerConfig{DBPath: dbPath})
	require.NoError(t, err)

	require.NoError(t, l.Track(ctx, model.PendingRecord{
		OperationID:  "op1",
		OwnerContext: "win1",
		Kind:         model.KindTool,
		Status:       model.StatusProgressing,
	}))
	require.NoError(t, l.Track(ctx, model.PendingRecord{
		OperationID:  "op2",
		OwnerContext: "win2",
		Kind:         model.KindTool,
		Status:       model.StatusPending,
	}))
	require.NoError(t, l.Close())

	return dbPath
}

func TestPendingCommand(t *testing.T) {
	tests := map[string]struct {
		args           []string
		expContains    []string
		expNotContains []string
	}{
		"Without an owner filter every record should be listed": {
			args:        []string{"pending"},
			expContains: []string{"op1", "op2"},
		},

		"With an owner filter only that owner's records should be listed": {
			args:           []string{"pending", "--owner", "win2"},
			expContains:    []string{"op2"},
			expNotContains: []string{"op1"},
		},

		"With an owner filter matching nothing a message should be printed": {
			args:           []string{"pending", "--owner", "win9"},
			expContains:    []string{"No pending operations."},
			expNotContains: []string{"op1", "op2"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			dbPath := newPendingDB(t)

			app := kingpin.New("castkit-test", "")
			root := commands.NewRootCommand(app)
			cmd := commands.NewPendingCommand(root, app)

			var out bytes.Buffer
			root.Stdout = &out

			args := append(test.args, "--db-path", dbPath)
			_, err := app.Parse(args)
			require.NoError(t, err)

			require.NoError(t, cmd.Run(context.Background()))

			for _, s := range test.expContains {
				assert.Contains(t, out.String(), s)
			}
			for _, s := range test.expNotContains {
				assert.NotContains(t, out.String(), s)
			}
		})
	}
}
