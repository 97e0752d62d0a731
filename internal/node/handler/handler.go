package handler

import (
	"context"
	"net/http"
	"time"

	"sigsum.org/ct-mirror/internal/metrics"
	"sigsum.org/ct-mirror/internal/types"
	"sigsum.org/sigsum-go/pkg/log"
)

type Config struct {
	Timeout time.Duration
	Metrics metrics.Metrics
}

// Handler implements the http.Handler interface
type Handler struct {
	Config
	// Must always return a valid HTTP status code, for both nil and non-nil error.
	Fun      func(context.Context, http.ResponseWriter, *http.Request) (int, error)
	Endpoint types.Endpoint
	Method   string
}

// Path returns a path that should be configured for this handler
func (h Handler) Path(prefix string) string {
	if prefix == "" {
		return "/" + string(h.Endpoint)
	}
	return "/" + h.Endpoint.Path(prefix)
}

func (h Handler) Register(mux *http.ServeMux, prefix string) {
	mux.Handle(h.Path(prefix), h)
}

// statusWriter records the status code of the response.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// ServeHTTP is part of the http.Handler interface
func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	if h.Metrics != nil {
		h.Metrics.OnRequest(string(h.Endpoint))
		defer func() {
			code := sw.code
			if code == 0 {
				code = http.StatusOK
			}
			h.Metrics.OnResponse(string(h.Endpoint), code, time.Since(start))
		}()
	}

	// Errors are text/plain, successful responses set their own
	// content type.
	sw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if code := h.verifyMethod(sw, r); code != 0 {
		http.Error(sw, http.StatusText(code), code)
		return
	}
	h.handle(sw, r)
}

// verifyMethod checks that an appropriate HTTP method is used, and
// returns an error code if not. Error handling is based on RFC 7231,
// see Sections 6.5.5 (Status 405) and 6.5.1 (Status 400).
func (h Handler) verifyMethod(w http.ResponseWriter, r *http.Request) int {
	if h.Method == r.Method {
		return 0
	}
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
		w.Header().Set("Allow", h.Method)
		return http.StatusMethodNotAllowed
	default:
		return http.StatusBadRequest
	}
}

// handle handles an HTTP request for which the HTTP method is already verified
func (h Handler) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	code, err := h.Fun(ctx, w, r)
	// Log all internal server errors.
	if code == http.StatusInternalServerError {
		log.Error("Internal server error for %s (%q): %v", h.Endpoint, r.URL.Path, err)
	}
	if err != nil {
		if code != http.StatusInternalServerError {
			log.Debug("%s (%q): status %d, %v", h.Endpoint, r.URL.Path, code, err)
		}
		http.Error(w, err.Error(), code)
	} else if code != http.StatusOK {
		w.WriteHeader(code)
	}
}
