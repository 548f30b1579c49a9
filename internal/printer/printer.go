package printer

import "github.com/castkit/castkit/internal/model"

// Printer knows how to print pending-operation information in different
// formats.
type Printer interface {
	PrintPending(records []model.PendingRecord) error
	PrintMessage(msg string) error
}
