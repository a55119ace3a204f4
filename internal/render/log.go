package render

import (
	"context"
	"log/slog"

	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/pkg/types"
)

// Log writes rendered events to a logger. It is used when no webhook is
// configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging renderer.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logging.Component(logger, "render")}
}

func (l *Log) RenderEvent(ctx context.Context, e types.DomainEvent) error {
	l.logger.InfoContext(ctx, Describe(e), "kind", e.Kind, "source", e.SourceID, "at", e.Timestamp)
	return nil
}

func (l *Log) RenderNotification(ctx context.Context, n notify.Notification) error {
	l.logger.InfoContext(ctx, describeNotification(n), "type", n.Type, "player", n.PlayerID, "ref", n.RefID)
	return nil
}
