package handlers

import (
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/whereami/internal/models"
	"github.com/ukydev/whereami/internal/page"
)

const (
	// maxReportBytes bounds the body of a location report.
	maxReportBytes = 1 << 20

	statusOKBody    = `{"status":"ok"}`
	invalidJSONBody = "Invalid JSON"
	notFoundBody    = "Not Found"
)

var errContentType = errors.New("content type is not application/json")

// ReportSink receives every location report that passed validation,
// together with the request that carried it.
type ReportSink interface {
	Report(r *http.Request, loc models.Location)
}

// LocationHandler serves the bootstrap page and accepts location reports.
type LocationHandler struct {
	sink   ReportSink
	logger log.FieldLogger
}

// NewLocationHandler creates a handler that hands accepted reports to sink.
// A nil logger means the standard logrus logger.
func NewLocationHandler(sink ReportSink, logger log.FieldLogger) *LocationHandler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LocationHandler{sink: sink, logger: logger}
}

// Routes returns the handshake routes. Unknown paths and unsupported
// methods on known paths both answer 404.
func (h *LocationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.NotFound)

	r.Get("/", h.Page)
	r.Post("/update", h.Update)
	r.Options("/update", h.Preflight)
	return r
}

// Page serves the bootstrap document.
func (h *LocationHandler) Page(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", page.ContentType)
	h.writeBody(w, r, http.StatusOK, page.HTML())
}

// Update accepts a single location report.
func (h *LocationHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !isJSON(r.Header.Get("Content-Type")) {
		h.rejectReport(w, r, errContentType)
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxReportBytes)
	defer body.Close()

	loc, err := models.DecodeLocation(body)
	if err != nil {
		h.rejectReport(w, r, err)
		return
	}

	h.sink.Report(r, loc)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	h.writeBody(w, r, http.StatusOK, []byte(statusOKBody))
}

// Preflight answers the CORS preflight for /update.
func (h *LocationHandler) Preflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusOK)
}

// NotFound answers every request the handshake does not define.
func (h *LocationHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	h.writeBody(w, r, http.StatusNotFound, []byte(notFoundBody))
}

func (h *LocationHandler) rejectReport(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("Rejected location report")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	h.writeBody(w, r, http.StatusBadRequest, []byte(invalidJSONBody))
}

// writeBody writes status and body. Write failures only get logged; the
// client may already be gone.
func (h *LocationHandler) writeBody(w http.ResponseWriter, r *http.Request, status int, body []byte) {
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Debug("Response write failed")
	}
}

// isJSON reports whether a request content type is acceptable for a
// report. A missing header is tolerated.
func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
