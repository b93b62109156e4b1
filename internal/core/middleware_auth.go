package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"kickoff/internal/types"
)

// AuthMiddleware admits requests carrying the internal API token as a
// Bearer credential. The web app is the only caller.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	want := []byte(s.Config.InternalToken.Unmask())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			s.Logger.Warn("authentication failed: token invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is case-insensitive per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
