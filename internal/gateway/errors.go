package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/metadata"
	"github.com/dray-io/drayproxy/internal/proxy"
	"github.com/dray-io/drayproxy/internal/routing"
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps a routing or dispatch failure to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, routing.ErrInvalidResource), errors.Is(err, routing.ErrInvalidNode):
		return http.StatusBadRequest
	case errors.Is(err, routing.ErrResourceUnowned):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	case proxy.IsCancelled(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, proxy.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, metadata.ErrStoreUnavailable), errors.Is(err, metadata.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status for err. retryAfter, in seconds, is
// sent with exhausted dispatches when positive.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error, retryAfter int) {
	status := statusFor(err)
	if retryAfter > 0 && errors.Is(err, proxy.ErrRetriesExhausted) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	fields := map[string]any{"status": status, "error": err.Error()}
	var de *proxy.DispatchError
	if errors.As(err, &de) {
		fields["resource"] = de.Resource
		fields["node"] = de.Node
		fields["attempts"] = de.Attempts
	}
	logger := logging.FromCtx(r.Context(), g.logger)
	if status >= http.StatusInternalServerError {
		logger.Warnf("request failed", fields)
	} else {
		logger.Debugf("request rejected", fields)
	}

	writeJSONError(w, r, status, err.Error())
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		RequestID: logging.RequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
