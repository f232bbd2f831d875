package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

const maxResponseBytes = 8 << 20

// HTTPBackend runs jobs against a model server exposing POST /predict.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPBackend creates an HTTP backend. timeout bounds each predict call.
func NewHTTPBackend(baseURL, apiKey string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) Name() string { return "http" }

type predictRequest struct {
	JobID          string         `json:"job_id"`
	StudyReference string         `json:"study_reference"`
	Model          string         `json:"model"`
	ModelVersion   string         `json:"model_version"`
	Images         []string       `json:"images"`
	Parameters     map[string]any `json:"parameters"`
}

// Run posts the job and returns the "result" member of the response, or the
// whole body when the server does not wrap it. The server reports no
// intermediate progress.
func (b *HTTPBackend) Run(ctx context.Context, job *models.Job, progress models.ProgressFunc) (json.RawMessage, error) {
	body, err := json.Marshal(predictRequest{
		JobID:          job.ID,
		StudyReference: job.StudyReference,
		Model:          job.ModelName,
		ModelVersion:   job.ModelVersion,
		Images:         job.ImageReferences,
		Parameters:     job.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding predict request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.setHeaders(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyError(err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, snippet(raw))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	return extractResult(raw)
}

// Ready checks GET /health on the model server.
func (b *HTTPBackend) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	b.setHeaders(httpReq)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: backend not ready (status %d)", ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) setHeaders(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

func extractResult(raw []byte) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidResponse)
	}
	if result, ok := envelope["result"]; ok {
		if len(result) == 0 || string(result) == "null" {
			return nil, fmt.Errorf("%w: empty result", ErrInvalidResponse)
		}
		return result, nil
	}
	return json.RawMessage(raw), nil
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

var _ models.InferenceBackend = (*HTTPBackend)(nil)
