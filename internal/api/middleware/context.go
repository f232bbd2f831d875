package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const clientIDKey contextKey = "client_id"

// SetClientID records the identity used for rate limiting.
func SetClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

func GetClientID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(clientIDKey).(string)
	return id, ok && id != ""
}
