package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

// Header names set on every delivery.
const (
	HeaderSignature  = "X-Signature"
	HeaderSequence   = "X-Webhook-Sequence"
	HeaderDeliveryID = "X-Delivery-ID"
)

// Payload is the body of a status callback. Sequence increases with every
// transition of the job, so receivers can discard stale or replayed deliveries.
type Payload struct {
	JobID     string           `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Sequence  int64            `json:"sequence"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *models.JobError `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// PayloadFor builds the callback body for the current state of job.
func PayloadFor(job *models.Job, now time.Time) Payload {
	p := Payload{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Sequence:  job.Sequence,
		Timestamp: now.UTC(),
	}
	if job.Status == models.JobStatusSucceeded {
		p.Result = job.Result
	}
	if job.Status == models.JobStatusFailed {
		p.Error = job.Error
	}
	return p
}

// Canonical encodes v as compact JSON with object keys sorted at every level.
// Sender and receiver both sign these bytes.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalising payload: %w", err)
	}
	return json.Marshal(generic)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC of body under secret. The
// comparison is constant time.
func Verify(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
