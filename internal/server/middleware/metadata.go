package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata carries per-request facts downstream handlers need. The
// token is extracted but not validated here; validation happens inside the
// gateway so the auth:error frame can reach the peer over the socket.
type RequestMetadata struct {
	IP               string
	Token            string
	ReconnectAttempt int
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware creates and injects the RequestMetadata struct
// into the request context.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			reqMeta.Token = ExtractToken(r)
			if attempt, err := strconv.Atoi(r.URL.Query().Get("reconnect")); err == nil && attempt > 0 {
				reqMeta.ReconnectAttempt = attempt
			}

			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractToken pulls the credential from the out-of-band auth parameter,
// falling back to the session cookie and, for the polling endpoint, the
// Authorization header.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("session-token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
