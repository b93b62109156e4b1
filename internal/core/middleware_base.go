package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"kickoff/internal/types"
)

// responseCapture records the status written by downstream handlers.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer turns a handler panic into a logged 500 response.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				s.Logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = writeJSON(w, APIErrorResponse{
					Error: ErrorDetail{
						Code:      string(types.ErrCodeInternalUnexpected),
						Message:   "an unexpected error occurred",
						RequestID: types.GetRequestID(r.Context()),
					},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs method, path, status and duration for every request.
// Headers listed in redacted are masked.
func RequestLogger(logger *slog.Logger, redacted []string) func(http.Handler) http.Handler {
	redactSet := make(map[string]struct{}, len(redacted))
	for _, h := range redacted {
		redactSet[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rc, r)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rc.statusCode),
				slog.Duration("duration", time.Since(start)),
			}
			if reqID := types.GetRequestID(r.Context()); reqID != "" {
				args = append(args, slog.String("request_id", reqID))
			}
			var headers []any
			for name, values := range r.Header {
				if _, ok := redactSet[strings.ToLower(name)]; ok {
					headers = append(headers, slog.String(name, "[REDACTED]"))
					continue
				}
				headers = append(headers, slog.String(name, strings.Join(values, ", ")))
			}
			if len(headers) > 0 {
				args = append(args, slog.Group("headers", headers...))
			}

			switch {
			case rc.statusCode >= 500:
				logger.Error("request completed", args...)
			case rc.statusCode >= 400:
				logger.Warn("request completed", args...)
			default:
				logger.Info("request completed", args...)
			}
		})
	}
}

// writeJSON formats the error envelope by hand so the panic path cannot
// panic again inside encoding/json.
func writeJSON(w http.ResponseWriter, resp APIErrorResponse) error {
	s := fmt.Sprintf(`{"error":{"code":"%s","message":"%s","request_id":"%s"}}`,
		escapeJSON(resp.Error.Code), escapeJSON(resp.Error.Message), escapeJSON(resp.Error.RequestID))
	_, err := w.Write([]byte(s))
	return err
}

func escapeJSON(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`).Replace(s)
}
