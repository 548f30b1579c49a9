package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/castkit/castkit/internal/model"
)

// TablePrinter prints pending-operation information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintPending prints pending records in a table format.
func (t *TablePrinter) PrintPending(records []model.PendingRecord) error {
	if len(records) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "OPERATION\tOWNER\tKIND\tSTATUS\tPROGRESS\tUPDATED")

	// Print rows
	for _, r := range records {
		castMark := ""
		if r.CastID != "" {
			castMark = fmt.Sprintf(" (%s)", r.CastID)
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			r.OperationID, castMark, r.OwnerContext, r.Kind, r.Status, r.Progress*100, TimeAgo(r.UpdatedAt))
	}

	return nil
}

// PrintMessage prints a simple message.
func (t *TablePrinter) PrintMessage(msg string) error {
	_, err := fmt.Fprintln(t.writer, msg)
	return err
}
