package api

import (
	"bytes"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Responses larger than this are logged truncated.
const maxLoggedBody = 2048

// responseWriterInterceptor is a wrapper around http.ResponseWriter that captures the status code and
// the start of textual response bodies. Binary bodies (screenshots) are never captured.
type responseWriterInterceptor struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	capture    *bool // decided on the first write, from the Content-Type
}

// newResponseWriterInterceptor creates a new responseWriterInterceptor.
func newResponseWriterInterceptor(w http.ResponseWriter) *responseWriterInterceptor {
	return &responseWriterInterceptor{
		ResponseWriter: w,
		statusCode:     http.StatusOK, // Default to 200
		body:           new(bytes.Buffer),
	}
}

// WriteHeader captures the status code.
func (rwi *responseWriterInterceptor) WriteHeader(statusCode int) {
	rwi.statusCode = statusCode
	rwi.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body and calls the underlying Write.
func (rwi *responseWriterInterceptor) Write(b []byte) (int, error) {
	if rwi.capture == nil {
		c := isTextual(rwi.Header().Get("Content-Type"))
		rwi.capture = &c
	}
	if *rwi.capture && rwi.body.Len() < maxLoggedBody {
		rest := maxLoggedBody - rwi.body.Len()
		if len(b) < rest {
			rest = len(b)
		}
		rwi.body.Write(b[:rest])
	}
	return rwi.ResponseWriter.Write(b)
}

func isTextual(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || mediaType == "text/plain"
}

// StructuredRequestLogger is a middleware that logs request details and textual response bodies using slog.
func StructuredRequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// ww is a WrapResponseWriter that captures status and bytes written,
			// which is useful for standard logging metrics.
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// rwi wraps ww to capture the response body.
			rwi := newResponseWriterInterceptor(ww)

			t1 := time.Now()
			defer func() {
				requestID := middleware.GetReqID(r.Context())
				scheme := "http"
				if r.TLS != nil {
					scheme = "https"
				}

				attrs := []any{
					slog.String("request_id", requestID),
					slog.String("method", r.Method),
					slog.String("host", r.Host),
					slog.String("path", r.URL.Path),
					slog.String("proto", r.Proto),
					slog.String("scheme", scheme),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("user_agent", r.UserAgent()),
					slog.Int("status", rwi.statusCode),
					slog.Int("bytes_written", ww.BytesWritten()),
					slog.Duration("latency", time.Since(t1)),
				}
				if rwi.body.Len() > 0 {
					attrs = append(attrs, slog.String("response_body", rwi.body.String()))
				}
				logger.Info("http request", attrs...)
			}()

			next.ServeHTTP(rwi, r)
		})
	}
}
