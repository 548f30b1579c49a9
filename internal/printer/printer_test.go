package printer_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castkit/castkit/internal/model"
	"github.com/castkit/castkit/internal/printer"
)

func recordsFixture() []model.PendingRecord {
	createdAt := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	return []model.PendingRecord{
		{
			OperationID:  "01234567890ABCDEFGHIJKLMNOP",
			OwnerContext: "win1",
			Kind:         model.KindTool,
			Status:       model.StatusProgressing,
			Progress:     0.5,
			CreatedAt:    createdAt,
			UpdatedAt:    createdAt,
		},
		{
			OperationID:  "step-1",
			OwnerContext: "win2",
			CastID:       "cast-9",
			Kind:         model.KindSpell,
			Status:       model.StatusPending,
			CreatedAt:    createdAt,
			UpdatedAt:    createdAt,
		},
	}
}

func TestTablePrinterPrintPending(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintPending(recordsFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "OPERATION")
	assert.Contains(t, out, "01234567890ABCDEFGHIJKLMNOP")
	assert.Contains(t, out, "step-1 (cast-9)")
	assert.Contains(t, out, "50%")
	assert.Contains(t, out, "spell")
}

func TestTablePrinterPrintPendingEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintPending(nil)
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestJSONPrinterPrintPending(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	err := p.PrintPending(recordsFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"operation_id": "step-1"`)
	assert.Contains(t, out, `"cast_id": "cast-9"`)
	assert.Contains(t, out, `"kind": "spell"`)
}

func TestPrintMessage(t *testing.T) {
	var table, jsonBuf bytes.Buffer

	require.NoError(t, printer.NewTablePrinter(&table).PrintMessage("done"))
	assert.Equal(t, "done\n", table.String())

	require.NoError(t, printer.NewJSONPrinter(&jsonBuf).PrintMessage("done"))
	assert.Contains(t, jsonBuf.String(), `"message": "done"`)
}

func TestTimeAgo(t *testing.T) {
	tests := map[string]struct {
		t   time.Time
		exp string
	}{
		"Seconds":    {t: time.Now().UTC().Add(-5 * time.Second), exp: "seconds ago (UTC)"},
		"One minute": {t: time.Now().UTC().Add(-70 * time.Second), exp: "1 minute ago (UTC)"},
		"Hours":      {t: time.Now().UTC().Add(-3 * time.Hour), exp: "3 hours ago (UTC)"},
		"Days":       {t: time.Now().UTC().Add(-49 * time.Hour), exp: "2 days ago (UTC)"},
		"Future":     {t: time.Now().UTC().Add(time.Hour), exp: "in the future (UTC)"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.True(t, strings.HasSuffix(printer.TimeAgo(test.t), test.exp) || printer.TimeAgo(test.t) == test.exp)
		})
	}
}
