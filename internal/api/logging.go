package api

import (
	"context"

	"go.uber.org/zap"
)

// logEvent writes one structured line per request outcome.
func (s *Server) logEvent(ctx context.Context, event string, fields ...zap.Field) {
	if id := requestIDFrom(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	s.logger.Info(event, fields...)
}

// logFailure logs a failed operation. Server-side errors are logged at
// error level with the cause; client errors only carry the reason.
func (s *Server) logFailure(ctx context.Context, event string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("reason", reasonFor(err)))
	if id := requestIDFrom(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if statusFor(err) >= 500 {
		s.logger.Error(event, append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info(event, fields...)
}
