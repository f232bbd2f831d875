package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/inferq/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// Auth checks the shared API key. The key is configured either in plain text
// or as a bcrypt hash; with neither configured every request is let through
// and identified by its remote address.
type Auth struct {
	key  []byte
	hash []byte
}

// NewAuth creates a new Auth middleware. hash wins when both are set.
func NewAuth(key, hash string) *Auth {
	a := &Auth{}
	if hash != "" {
		a.hash = []byte(hash)
	} else if key != "" {
		a.key = []byte(key)
	}
	return a
}

// Enabled reports whether a key is required.
func (a *Auth) Enabled() bool {
	return len(a.key) > 0 || len(a.hash) > 0
}

// Authenticate validates the API key and sets the client identity in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			r = r.WithContext(SetClientID(r.Context(), "ip:"+remoteHost(r)))
			next.ServeHTTP(w, r)
			return
		}

		rawKey := extractKey(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_API_KEY", "Missing API key", nil)
			return
		}

		if !a.matches(rawKey) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_API_KEY", "Invalid API key", nil)
			return
		}

		r = r.WithContext(SetClientID(r.Context(), "key:"+fingerprint(rawKey)))
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) matches(rawKey string) bool {
	if len(a.hash) > 0 {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(rawKey)) == nil
	}
	return subtle.ConstantTimeCompare(a.key, []byte(rawKey)) == 1
}

// extractKey reads X-API-Key, falling back to a Bearer token.
func extractKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(APIKeyHeader)); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func fingerprint(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:8])
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
