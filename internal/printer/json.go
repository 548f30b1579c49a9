package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/castkit/castkit/internal/model"
)

// JSONPrinter prints pending-operation information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// pendingItem represents a pending record in the list output.
type pendingItem struct {
	OperationID  string            `json:"operation_id"`
	OwnerContext string            `json:"owner_context"`
	CastID       string            `json:"cast_id,omitempty"`
	Kind         string            `json:"kind"`
	Status       string            `json:"status"`
	Progress     float64           `json:"progress"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintPending prints pending records in JSON format.
func (j *JSONPrinter) PrintPending(records []model.PendingRecord) error {
	items := make([]pendingItem, len(records))
	for i, r := range records {
		items[i] = pendingItem{
			OperationID:  r.OperationID,
			OwnerContext: r.OwnerContext,
			CastID:       r.CastID,
			Kind:         string(r.Kind),
			Status:       string(r.Status),
			Progress:     r.Progress,
			Metadata:     r.Metadata,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		}
	}

	return j.print(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.print(messageOutput{Message: msg})
}

func (j *JSONPrinter) print(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
