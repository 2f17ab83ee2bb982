package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"pastebin-lite/internal/service"
)

type createResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type pasteResponse struct {
	Content        string   `json:"content"`
	RemainingViews *int     `json:"remaining_views"`
	ExpiresAt      *isoTime `json:"expires_at"`
}

// isoTime marshals as UTC RFC 3339 with exactly three fractional digits.
type isoTime time.Time

const isoLayout = "2006-01-02T15:04:05.000Z07:00"

func (t isoTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(isoLayout) + `"`), nil
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

const (
	msgInvalidJSON = "invalid JSON body"
	msgNotFound    = "Paste not found"
	msgInternal    = "Internal server error"
	msgUnavailable = "Service unavailable"
)

func (s *Server) handleAPICreate(w http.ResponseWriter, r *http.Request) {
	// Escaped JSON can take up to six bytes per content byte.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.svc.MaxBytes())*6+4096)

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body == nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.CreateRejected.WithLabelValues(service.FieldContent).Inc()
			writeJSONError(w, http.StatusRequestEntityTooLarge, "content is too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	params, err := parseCreate(body)
	if err != nil {
		s.rejected(err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	paste, err := s.svc.CreateAt(r.Context(), params, s.now(r))
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			s.rejected(err)
			writeJSONError(w, http.StatusBadRequest, verr.Message)
			return
		}
		s.metrics.StoreErrors.WithLabelValues("create").Inc()
		s.apiFailure(w, r, err)
		return
	}
	s.metrics.PastesCreated.Inc()

	writeJSON(w, http.StatusCreated, createResponse{
		ID:  paste.ID,
		URL: s.canonicalURL(r, paste.ID),
	})
}

// parseCreate checks fields in the order content, ttl_seconds, max_views and
// reports the first failure.
func parseCreate(body map[string]json.RawMessage) (service.CreateParams, error) {
	var p service.CreateParams
	content, err := service.ParseContent(body[service.FieldContent])
	if err != nil {
		return p, err
	}
	p.Content = content

	// An explicit null arrives as the bytes "null" and is rejected.
	if p.TTLSeconds, err = service.ParseOptionalInt(service.FieldTTLSeconds, body[service.FieldTTLSeconds]); err != nil {
		return p, err
	}
	if p.MaxViews, err = service.ParseOptionalInt(service.FieldMaxViews, body[service.FieldMaxViews]); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Server) handleAPIGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.retrieve(r, s.now(r))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, msgNotFound)
			return
		}
		s.apiFailure(w, r, err)
		return
	}
	var expires *isoTime
	if res.ExpiresAt != nil {
		t := isoTime(*res.ExpiresAt)
		expires = &t
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, pasteResponse{
		Content:        res.Content,
		RemainingViews: res.RemainingViews,
		ExpiresAt:      expires,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
		s.metrics.StoreErrors.WithLabelValues("ping").Inc()
		writeJSON(w, http.StatusInternalServerError, healthResponse{OK: false})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Server) apiFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrUnavailable) {
		hlog.FromRequest(r).Warn().Err(err).Msg("store unavailable")
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusInternalServerError, msgUnavailable)
		return
	}
	hlog.FromRequest(r).Error().Err(err).Msg("internal error")
	writeJSONError(w, http.StatusInternalServerError, msgInternal)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
