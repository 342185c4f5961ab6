package log

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ErrFmtHandler is a slog handler that adds the stack trace and concrete type
// of an error attribute created with ErrAttr.
type ErrFmtHandler struct {
	handler slog.Handler
}

// WrapByErrFmtHandler wraps handler.
func WrapByErrFmtHandler(handler slog.Handler) slog.Handler {
	return &ErrFmtHandler{handler: handler}
}

func (eh *ErrFmtHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return eh.handler.Enabled(ctx, l)
}

func (eh *ErrFmtHandler) Handle(ctx context.Context, r slog.Record) error {
	var found error
	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key != ErrAttrKey {
			return true
		}
		if err, ok := attr.Value.Any().(error); ok {
			found = err
		}
		return false
	})
	if found != nil {
		if st := extractStacktrace(found); st != "" {
			r.AddAttrs(slog.String(StacktraceAttrKey, st))
		}
		r.AddAttrs(slog.String(ErrorTypeKey, errorType(found)))
	}
	return eh.handler.Handle(ctx, r)
}

func (eh *ErrFmtHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ErrFmtHandler{handler: eh.handler.WithAttrs(attrs)}
}

func (eh *ErrFmtHandler) WithGroup(g string) slog.Handler {
	return &ErrFmtHandler{handler: eh.handler.WithGroup(g)}
}

// errorType names the first typed error in the chain, falling back to the root cause.
func errorType(err error) string {
	var typed zerolog.LogObjectMarshaler
	if errors.As(err, &typed) {
		return fmt.Sprintf("%T", typed)
	}
	return fmt.Sprintf("%T", errors.UnwrapAll(err))
}

func extractStacktrace(err error) string {
	safeDetails := errors.GetSafeDetails(err).SafeDetails
	if len(safeDetails) > 0 {
		return safeDetails[0]
	}
	return ""
}
