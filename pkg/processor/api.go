package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewAPIHandler builds the management HTTP surface over a runtime.
//
//	GET  /processors                  list registered processors
//	GET  /processors/{id}             one processor's state
//	GET  /processors/{id}/lag         lag behind the log head
//	GET  /processors/{id}/backoff     in-memory backoff counters
//	POST /processors/{id}/pause       block processing
//	POST /processors/{id}/resume      unblock processing
//	POST /processors/{id}/reset       clear errors, reactivate; an optional
//	                                  {"position": N} body rewinds the checkpoint
//
// Unknown processor ids return 404.
func NewAPIHandler(rt *Runtime, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &apiServer{rt: rt, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/processors", func(r chi.Router) {
		r.Get("/", api.listProcessors)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(api.requireProcessor)
			r.Get("/", api.getProcessor)
			r.Get("/lag", api.getLag)
			r.Get("/backoff", api.getBackoff)
			r.Post("/pause", api.pause)
			r.Post("/resume", api.resume)
			r.Post("/reset", api.reset)
		})
	})

	return r
}

type apiServer struct {
	rt     *Runtime
	logger *zap.Logger
}

func (s *apiServer) requireProcessor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rt.HasProcessor(chi.URLParam(r, "id")) {
			s.writeError(w, http.StatusNotFound, "unknown processor")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *apiServer) listProcessors(w http.ResponseWriter, r *http.Request) {
	states, err := s.rt.States(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"processors": states,
		"leader":     s.rt.IsLeader(),
	})
}

func (s *apiServer) getProcessor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.rt.State(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if state == nil {
		// Configured but never registered yet
		state = &ProcessorState{ProcessorID: id, Status: StatusActive}
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *apiServer) getLag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lag, err := s.rt.Lag(r.Context(), id)
	if err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"processor_id": id, "lag": lag})
}

func (s *apiServer) getBackoff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, ok := s.rt.Backoff(id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"processor_id": id,
		"enabled":      ok,
		"state":        state,
	})
}

func (s *apiServer) pause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.rt.Pause)
}

func (s *apiServer) resume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.rt.Resume)
}

// reset clears the error state; with a {"position": N} body it also rewinds
// the checkpoint, which redelivers everything past N.
func (s *apiServer) reset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Position *int64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if body.Position == nil {
		s.transition(w, r, s.rt.Reset)
		return
	}
	s.transition(w, r, func(ctx context.Context, id string) error {
		return s.rt.ResetPosition(ctx, id, *body.Position)
	})
}

func (s *apiServer) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		s.serverError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"processor_id": id, "ok": true})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) serverError(w http.ResponseWriter, err error) {
	s.logger.Error("management API error", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
