package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"trade-agent-go/internal/safety"
	"trade-agent-go/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// eventBuffer is how many state snapshots a slow /events client may lag behind
// before snapshots are skipped for it.
const eventBuffer = 16

// APIServer provides an HTTP control interface for the trading engine.
type APIServer struct {
	server   *http.Server
	engine   *Engine
	gate     *safety.Gate
	state    *state.Broadcaster
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	cancel   context.CancelFunc // closes open event streams
}

// NewAPIServer creates a new APIServer listening on port.
func NewAPIServer(port int, engine *Engine, gate *safety.Gate, broadcaster *state.Broadcaster, gatherer prometheus.Gatherer, logger *zap.Logger) *APIServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &APIServer{
		engine:   engine,
		gate:     gate,
		state:    broadcaster,
		gatherer: gatherer,
		logger:   logger.Named("api-server"),
		cancel:   cancel,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the routes of the server.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /state", s.stateHandler)
	mux.HandleFunc("GET /events", s.eventsHandler)
	mux.HandleFunc("POST /strategies/{id}/start", s.startHandler)
	mux.HandleFunc("POST /strategies/{id}/stop", s.stopHandler)
	mux.HandleFunc("PATCH /strategies/{id}/config", s.configHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop closes open event streams and gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	s.cancel()
	return s.server.Shutdown(ctx)
}

type statusResponse struct {
	UUID                 string           `json:"uuid"`
	StartTime            string           `json:"start_time"`
	Uptime               string           `json:"uptime"`
	Running              bool             `json:"running"`
	Cycles               uint64           `json:"cycles"`
	PendingSaves         int              `json:"pending_saves"`
	DroppedRecords       int64            `json:"dropped_records"`
	Environment          string           `json:"environment"`
	MaxTradeSize         string           `json:"max_trade_size"`
	MaxFlashloanAmount   string           `json:"max_flashloan_amount"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
	AllowsExperimental   bool             `json:"allows_experimental"`
	Strategies           []StrategyStatus `json:"strategies"`
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	limits := s.gate.Config()
	s.writeJSON(w, http.StatusOK, statusResponse{
		UUID:                 s.engine.UUID,
		StartTime:            s.engine.StartTime.Format(time.RFC3339),
		Uptime:               time.Since(s.engine.StartTime).String(),
		Running:              st.Running,
		Cycles:               st.Cycles,
		PendingSaves:         st.PendingSaves,
		DroppedRecords:       st.DroppedRecords,
		Environment:          string(limits.Environment),
		MaxTradeSize:         limits.MaxTradeSize.String(),
		MaxFlashloanAmount:   limits.MaxFlashloanAmount.String(),
		RequiresConfirmation: s.gate.RequiresUserConfirmation(),
		AllowsExperimental:   s.gate.AllowsExperimentalFeatures(),
		Strategies:           st.Strategies,
	})
}

func (s *APIServer) stateHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state.GetState())
}

// eventsHandler streams every state snapshot as a server-sent event.
func (s *APIServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates := make(chan state.ProcessState, eventBuffer)
	unsubscribe := s.state.Subscribe(func(ps state.ProcessState) {
		select {
		case updates <- ps:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ps := <-updates:
			data, err := json.Marshal(ps)
			if err != nil {
				s.logger.Error("Failed to encode state event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// startHandler enables a strategy. Where the safety tier requires it the
// caller must confirm with ?confirm=true; experimental strategies are refused
// where the tier does not allow them.
func (s *APIServer) startHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	strategy, ok := s.engine.Strategy(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown strategy %q", id))
		return
	}
	if strategy.Experimental() && !s.gate.AllowsExperimentalFeatures() {
		s.writeError(w, http.StatusForbidden,
			fmt.Sprintf("strategy %q is experimental and disabled in %s", id, s.gate.Environment()))
		return
	}
	if s.gate.RequiresUserConfirmation() && r.URL.Query().Get("confirm") != "true" {
		s.writeError(w, http.StatusPreconditionRequired,
			fmt.Sprintf("starting %q in %s requires confirm=true", id, s.gate.Environment()))
		return
	}

	if err := s.engine.Start(r.Context(), id); err != nil {
		s.logger.Error("Failed to start strategy", zap.String("strategy", id), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *APIServer) stopHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Stop(id); err != nil {
		if errors.Is(err, ErrUnknownStrategy) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *APIServer) configHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.engine.Strategy(id); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown strategy %q", id))
		return
	}

	var partial map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.UseNumber()
	if err := dec.Decode(&partial); err != nil {
		s.writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	if !s.engine.UpdateConfig(id, partial) {
		s.writeError(w, http.StatusBadRequest, "config values must be numeric")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
