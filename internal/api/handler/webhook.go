package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/webhook"
)

const receivedHistory = 100

// WebhookReceiver accepts signed status callbacks. It lets an operator point
// callback_url back at the service to check delivery and signing end to end.
type WebhookReceiver struct {
	secret string

	mu       sync.Mutex
	received []webhook.Payload
}

func NewWebhookReceiver(secret string) *WebhookReceiver {
	return &WebhookReceiver{secret: secret}
}

// Handle serves POST /v1/webhook. The signature is checked against the raw
// body bytes. Without a secret every callback is refused.
func (wr *WebhookReceiver) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable body", nil)
		return
	}

	// An empty key still yields a valid HMAC, so it must not verify anything.
	if wr.secret == "" {
		slog.Warn("webhook rejected, signing secret not configured", "remote_addr", r.RemoteAddr)
		response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signing is not configured", nil)
		return
	}

	if !webhook.Verify(wr.secret, body, r.Header.Get(webhook.HeaderSignature)) {
		slog.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Signature verification failed", nil)
		return
	}

	var p webhook.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	wr.mu.Lock()
	wr.received = append(wr.received, p)
	if len(wr.received) > receivedHistory {
		wr.received = wr.received[len(wr.received)-receivedHistory:]
	}
	wr.mu.Unlock()

	slog.Info("webhook received", "job_id", p.JobID, "status", p.Status, "sequence", p.Sequence)
	response.JSON(w, map[string]any{"received": true, "job_id": p.JobID})
}

// Received returns the most recent accepted payloads, oldest first.
func (wr *WebhookReceiver) Received() []webhook.Payload {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return append([]webhook.Payload(nil), wr.received...)
}
