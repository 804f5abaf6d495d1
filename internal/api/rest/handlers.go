package rest

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/davidleathers/space-broker/internal/domain/space"
)

// Dumper lists the spaces hosted on this node.
type Dumper interface {
	Dump() []space.Dump
}

// Instrumenter wraps handlers with request metrics.
type Instrumenter interface {
	InstrumentHandler(name string, handler http.Handler) http.Handler
}

// Handlers are the endpoints the router mounts.
type Handlers struct {
	WebSocket http.Handler
	Metrics   http.Handler
	Health    http.Handler
	Spaces    Dumper
}

// SpacesResponse is the body of GET /debug/spaces.
type SpacesResponse struct {
	Count  int          `json:"count"`
	Spaces []space.Dump `json:"spaces"`
}

// NewRouter mounts /ws, /metrics, /healthz and /debug/spaces behind the
// request id, logging and recovery middleware.
func NewRouter(h Handlers, instr Instrumenter, logger *zap.Logger) http.Handler {
	logger = logger.Named("http")

	mux := http.NewServeMux()
	mux.Handle("GET /ws", instr.InstrumentHandler("ws", h.WebSocket))
	mux.Handle("GET /metrics", h.Metrics)
	mux.Handle("GET /healthz", instr.InstrumentHandler("healthz", h.Health))
	mux.Handle("GET /debug/spaces", instr.InstrumentHandler("debug_spaces", dumpHandler(h.Spaces, logger)))

	return NewMiddlewareChain(
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
	).Then(mux)
}

func dumpHandler(d Dumper, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spaces := d.Dump()
		resp := SpacesResponse{Count: len(spaces), Spaces: spaces}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("failed to encode space dump", zap.Error(err))
		}
	})
}
