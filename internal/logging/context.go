package logging

import "context"

type scopeKey struct{}

// scope is the request-scoped logging state carried on a context.
type scope struct {
	requestID string
	logger    *Logger
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithRequestID tags ctx with a request ID. Loggers obtained through FromCtx
// carry it as their correlation ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	s := scopeFrom(ctx)
	s.requestID = id
	return context.WithValue(ctx, scopeKey{}, s)
}

// RequestID returns the request ID on ctx, or "".
func RequestID(ctx context.Context) string {
	return scopeFrom(ctx).requestID
}

// WithLogger attaches l to ctx.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	s := scopeFrom(ctx)
	s.logger = l
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromCtx picks the logger attached to ctx, else base, else the global
// logger, and stamps it with the request ID when ctx has one.
func FromCtx(ctx context.Context, base *Logger) *Logger {
	s := scopeFrom(ctx)
	l := s.logger
	switch {
	case l != nil:
	case base != nil:
		l = base
	default:
		l = Global()
	}
	if s.requestID != "" && s.requestID != l.correlationID {
		l = l.WithCorrelationID(s.requestID)
	}
	return l
}
