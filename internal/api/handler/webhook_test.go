package handler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/inferq/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookReceiver_EmptySecretRejectsEverything(t *testing.T) {
	wr := NewWebhookReceiver("")
	body, err := webhook.Canonical(webhook.Payload{JobID: "w1", Status: "SUCCEEDED", Progress: 100, Sequence: 3})
	require.NoError(t, err)

	for name, sig := range map[string]string{
		"signed with empty key": webhook.Sign("", body),
		"unsigned":              "",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/webhook", bytes.NewReader(body))
			req.Header.Set(webhook.HeaderSignature, sig)
			w := httptest.NewRecorder()

			wr.Handle(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_SIGNATURE")
		})
	}
	assert.Empty(t, wr.Received())
}
