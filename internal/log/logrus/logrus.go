package logrus

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/castkit/castkit/internal/log"
)

// logger is the Logger implementation for logrus.
type logger struct {
	*logrus.Entry
}

// NewLogrus returns a new log.Logger for a logrus implementation.
func NewLogrus(entry *logrus.Entry) log.Logger {
	return logger{Entry: entry}
}

func (l logger) WithValues(kv map[string]interface{}) log.Logger {
	return NewLogrus(l.Entry.WithFields(kv))
}

func (l logger) WithCtxValues(ctx context.Context) log.Logger {
	return l.WithValues(log.ValuesFromCtx(ctx))
}

func (l logger) SetValuesOnCtx(parent context.Context, values map[string]interface{}) context.Context {
	return log.CtxWithValues(parent, values)
}
