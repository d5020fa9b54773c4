package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/internal/wire"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// DefaultSender is used for injected messages that name no sender.
const DefaultSender = "http"

var validate = validator.New(validator.WithRequiredStructEnabled())

type destinationRequest struct {
	Type    string `json:"type"    validate:"required"`
	Address string `json:"address" validate:"required"`
}

// submitRequest is the body of POST /v1/messages.
type submitRequest struct {
	ID           string               `json:"id"           validate:"omitempty,max=128"`
	Sender       string               `json:"sender"       validate:"omitempty,max=256"`
	Content      string               `json:"content"      validate:"required"`
	Priority     string               `json:"priority"     validate:"omitempty,oneof=normal high"`
	Destinations []destinationRequest `json:"destinations" validate:"required,min=1,dive"`
	Metadata     map[string]string    `json:"metadata"`
}

func (r *submitRequest) toMessage() *contracts.Message {
	sender := r.Sender
	if sender == "" {
		sender = DefaultSender
	}
	dests := make([]contracts.Destination, len(r.Destinations))
	for i, d := range r.Destinations {
		dests[i] = contracts.Destination{Type: contracts.DestinationType(d.Type), Address: d.Address}
	}

	msg := contracts.NewMessage(sender, r.Content, dests...)
	if r.ID != "" {
		msg.ID = r.ID
	}
	if r.Priority == "high" {
		msg.Priority = contracts.PriorityHigh
	}
	if len(r.Metadata) > 0 {
		msg.Metadata = r.Metadata
	}
	return msg
}

type submitResponse struct {
	ID           string                  `json:"id"`
	Destinations []contracts.Destination `json:"destinations"`
	AcceptedAt   time.Time               `json:"acceptedAt"`
}

type errorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, err)
		return
	}

	var req submitRequest
	if err := wire.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := validate.Struct(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fe.Namespace() + ": " + fe.Tag()
			}
			s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request", Fields: fields})
			return
		}
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	msg := req.toMessage()
	if err := s.deps.Service.Submit(r.Context(), msg); err != nil {
		switch messaging.ClassifyError(err) {
		case messaging.KindValidation:
			s.writeError(w, r, http.StatusBadRequest, err)
		case messaging.KindQueueFull:
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, http.StatusServiceUnavailable, err)
		default:
			if errors.Is(err, messaging.ErrQueueClosed) {
				s.writeError(w, r, http.StatusServiceUnavailable, err)
				return
			}
			s.writeError(w, r, http.StatusInternalServerError, err)
		}
		return
	}

	s.logger.Info("message accepted",
		"messageId", msg.ID,
		"destinations", len(msg.Destinations),
		"requestId", middleware.GetReqID(r.Context()))
	s.writeJSON(w, r, http.StatusAccepted, submitResponse{
		ID:           msg.ID,
		Destinations: msg.Destinations,
		AcceptedAt:   msg.CreatedAt,
	})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	stats := make([]messaging.QueueStats, 0, len(s.deps.Queues))
	for _, q := range s.deps.Queues {
		stats = append(stats, q.Stats())
	}
	s.writeJSON(w, r, http.StatusOK, stats)
}

func (s *Server) listAdapters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.deps.Adapters.Describe())
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.deps.Alerts.ActiveAlerts())
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	entries, err := s.deps.DeadLetters.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.DeadLetters.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, stats)
}

// cleanupDeadLetters removes entries older than ?older_than (a Go duration).
func (s *Server) cleanupDeadLetters(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query().Get("older_than")
	olderThan, err := time.ParseDuration(v)
	if err != nil || olderThan < 0 {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid older_than %q", v))
		return
	}

	removed, err := s.deps.DeadLetters.Cleanup(r.Context(), olderThan)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := s.deps.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, dl)
}

func (s *Server) deleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DeadLetters.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) messageDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.DeadLetters.GetByMessageID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*reliability.DeadLetter{}
	}
	s.writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, reliability.ErrDeadLetterNotFound) {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	s.writeError(w, r, http.StatusInternalServerError, err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"requestId", middleware.GetReqID(r.Context()),
			"error", err)
	}
	s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := wire.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
