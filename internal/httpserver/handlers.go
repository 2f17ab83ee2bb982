package httpserver

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"

	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/service"
)

const siteName = "Pastebin Lite"

type indexPageData struct {
	Content    string
	TTLSeconds string
	MaxViews   string
	Error      string
	MaxBytes   int
	MaxSize    string
}

type createdPageData struct {
	ID        string
	URL       string
	ExpiresAt *time.Time
	MaxViews  *int
}

type viewPageData struct {
	ID             string
	Content        string
	CreatedAt      time.Time
	ExpiresIn      string
	RemainingViews *int
	Size           string
}

type errorPageData struct {
	Message string
	Detail  string
}

type titled interface {
	PageTitle() string
}

func (d indexPageData) PageTitle() string {
	return "New Paste · " + siteName
}

func (d createdPageData) PageTitle() string {
	return "Paste created · " + siteName
}

func (d viewPageData) PageTitle() string {
	if d.ID != "" {
		return fmt.Sprintf("%s · %s", d.ID, siteName)
	}
	return "View Paste · " + siteName
}

func (d errorPageData) PageTitle() string {
	if d.Message == "" {
		return siteName
	}
	return d.Message + " · " + siteName
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "index", s.indexData("", "", "", ""))
}

func (s *Server) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.svc.MaxBytes())+4096)
	if err := r.ParseForm(); err != nil {
		s.render(w, r, http.StatusBadRequest, "index", s.indexData("", "", "", "Unable to parse form"))
		return
	}

	content := r.FormValue("content")
	ttlRaw := r.FormValue("ttl_seconds")
	viewsRaw := r.FormValue("max_views")
	reject := func(err error) {
		s.rejected(err)
		s.render(w, r, http.StatusBadRequest, "index", s.indexData(content, ttlRaw, viewsRaw, err.Error()))
	}

	ttl, err := service.ParseFormInt(service.FieldTTLSeconds, ttlRaw)
	if err != nil {
		reject(err)
		return
	}
	views, err := service.ParseFormInt(service.FieldMaxViews, viewsRaw)
	if err != nil {
		reject(err)
		return
	}

	paste, err := s.svc.CreateAt(r.Context(), service.CreateParams{
		Content:    content,
		TTLSeconds: ttl,
		MaxViews:   views,
	}, s.now(r))
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			reject(err)
			return
		}
		s.storeFailure(w, r, "create", err)
		return
	}
	s.metrics.PastesCreated.Inc()

	// Rendered in place instead of redirecting so the author does not spend a view.
	s.render(w, r, http.StatusCreated, "created", createdPageData{
		ID:        paste.ID,
		URL:       s.canonicalURL(r, paste.ID),
		ExpiresAt: paste.ExpiresAt,
		MaxViews:  paste.MaxViews,
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	now := s.now(r)
	res, err := s.retrieve(r, now)
	if err != nil {
		s.readFailure(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	s.render(w, r, http.StatusOK, "view", viewPageData{
		ID:             res.ID,
		Content:        res.Content,
		CreatedAt:      res.CreatedAt,
		ExpiresIn:      remaining(res.ExpiresAt, now),
		RemainingViews: res.RemainingViews,
		Size:           formatSize(len(res.Content)),
	})
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	res, err := s.retrieve(r, s.now(r))
	if err != nil {
		s.readFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if res.RemainingViews != nil {
		w.Header().Set("X-Remaining-Views", strconv.Itoa(*res.RemainingViews))
	}
	_, _ = io.WriteString(w, res.Content)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Lookup(r.Context(), id, s.now(r)); err != nil {
		s.readFailure(w, r, err)
		return
	}
	png, err := qrcode.Encode(s.canonicalURL(r, id), qrcode.Medium, 256)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// retrieve consumes one view of the paste named in the route and records the outcome.
func (s *Server) retrieve(r *http.Request, now time.Time) (*service.Result, error) {
	res, err := s.svc.RetrieveAt(r.Context(), chi.URLParam(r, "id"), now)
	if err == nil {
		s.metrics.Views.WithLabelValues(metrics.ViewServed).Inc()
		return res, nil
	}
	switch service.Kind(err) {
	case service.KindNotFound:
		s.metrics.Views.WithLabelValues(metrics.ViewNotFound).Inc()
	case service.KindUnavailable:
		s.metrics.Views.WithLabelValues(metrics.ViewUnavailable).Inc()
		s.metrics.StoreErrors.WithLabelValues("consume").Inc()
	default:
		s.metrics.Views.WithLabelValues(metrics.ViewError).Inc()
		s.metrics.StoreErrors.WithLabelValues("consume").Inc()
	}
	return res, err
}

func (s *Server) rejected(err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		s.metrics.CreateRejected.WithLabelValues(verr.Field).Inc()
	}
}

func (s *Server) readFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, service.ErrNotFound) {
		s.notFound(w, r)
		return
	}
	if errors.Is(err, service.ErrUnavailable) {
		s.unavailable(w, r, err)
		return
	}
	s.serverError(w, r, err)
}

func (s *Server) storeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.metrics.StoreErrors.WithLabelValues(op).Inc()
	if errors.Is(err, service.ErrUnavailable) {
		s.unavailable(w, r, err)
		return
	}
	s.serverError(w, r, err)
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	title := siteName
	if t, ok := data.(titled); ok {
		if pt := t.PageTitle(); pt != "" {
			title = pt
		}
	}
	body := &bytes.Buffer{}
	bodyTemplate := name + "-body"
	if err := s.templates.ExecuteTemplate(body, bodyTemplate, data); err != nil {
		s.handleTemplateError(w, r, status, bodyTemplate, err)
		return
	}
	layoutBuf := &bytes.Buffer{}
	layoutData := struct {
		Title string
		Body  template.HTML
	}{
		Title: title,
		Body:  template.HTML(body.String()),
	}
	if err := s.templates.ExecuteTemplate(layoutBuf, "layout", layoutData); err != nil {
		s.handleTemplateError(w, r, status, "layout", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = layoutBuf.WriteTo(w)
}

func (s *Server) handleTemplateError(w http.ResponseWriter, r *http.Request, status int, name string, err error) {
	hlog.FromRequest(r).Error().Err(err).Str("template", name).Msg("render template")
	http.Error(w, "Template error", status)
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Error().Err(err).Msg("internal error")
	s.render(w, r, http.StatusInternalServerError, "error", errorPageData{Message: "Internal server error"})
}

func (s *Server) unavailable(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Warn().Err(err).Msg("store unavailable")
	w.Header().Set("Retry-After", "1")
	s.render(w, r, http.StatusInternalServerError, "error", errorPageData{
		Message: "Service unavailable",
		Detail:  "Storage is not responding. Try again shortly.",
	})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusNotFound, "error", errorPageData{
		Message: "Paste not found",
		Detail:  "It may have expired or reached its view limit.",
	})
}

func (s *Server) indexData(content, ttl, views, errMsg string) indexPageData {
	return indexPageData{
		Content:    content,
		TTLSeconds: ttl,
		MaxViews:   views,
		Error:      errMsg,
		MaxBytes:   s.svc.MaxBytes(),
		MaxSize:    formatSize(s.svc.MaxBytes()),
	}
}

func remaining(expires *time.Time, now time.Time) string {
	if expires == nil {
		return "Never"
	}
	if now.After(*expires) {
		return "Expired"
	}
	if expires.Sub(now) < time.Second {
		return "Less than a second"
	}
	return humanize.RelTime(*expires, now, "ago", "from now")
}
