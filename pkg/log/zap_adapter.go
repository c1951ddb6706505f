package log

import (
	"go.uber.org/zap"
)

// ZapAdapter writes trace events to a zap.Logger at debug level, or at warn
// level for error records.
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapAdapter creates a ZapAdapter writing to logger.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{logger: logger}
}

// Log writes the event as structured fields.
func (a *ZapAdapter) Log(event Event) {
	fields := []zap.Field{
		zap.String("transport", event.Transport),
		zap.String("kind", event.Kind),
		zap.String("direction", event.Direction.String()),
		zap.String("category", event.Category.String()),
	}
	if event.ConnectionID != "" {
		fields = append(fields, zap.String("conn_id", event.ConnectionID))
	}
	if event.RemoteAddr != "" {
		fields = append(fields, zap.String("remote_addr", event.RemoteAddr))
	}
	if event.Size > 0 {
		fields = append(fields, zap.Int("size", event.Size))
	}

	if event.Category == CategoryError {
		fields = append(fields, zap.String("error", event.Message))
		a.logger.Warn("trace", fields...)
		return
	}
	a.logger.Debug("trace", fields...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*ZapAdapter)(nil)
