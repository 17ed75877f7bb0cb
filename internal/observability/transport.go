package observability

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	traceHeader = "X-Request-ID"
	opKey       = ctxKey("op")
)

// ContextWithOperation tags outgoing requests so that the transport can label
// logs and metrics with the gateway operation that issued them.
func ContextWithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opKey, op)
}

func OperationFromContext(ctx context.Context) string {
	value, ok := ctx.Value(opKey).(string)
	if !ok || value == "" {
		return "unknown"
	}
	return value
}

// Transport instruments an http.RoundTripper with a request id header,
// structured request logging and gateway metrics.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

func NewTransport(base http.RoundTripper, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = DiscardLogger()
	}
	return &Transport{Base: base, Logger: logger}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	// RoundTrippers must not mutate the caller's request.
	out := req.Clone(ContextWithTraceID(ctx, traceID))
	out.Header.Set(traceHeader, traceID)

	op := OperationFromContext(ctx)
	start := time.Now()
	resp, err := t.Base.RoundTrip(out)
	elapsed := time.Since(start)

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	ObserveGatewayRequest(op, status, elapsed)
	t.Logger.DebugContext(ctx, "gateway_request",
		slog.String("trace_id", traceID),
		slog.String("op", op),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("status", status),
		slog.String("duration", elapsed.String()),
	)
	return resp, err
}
