package inference

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

// SimulatedBackend stands in for a model server during local runs. It works
// through one step per image (at least one), reporting progress after each,
// and returns a deterministic result derived from the job.
type SimulatedBackend struct {
	stepDelay time.Duration
}

func NewSimulatedBackend(stepDelay time.Duration) *SimulatedBackend {
	return &SimulatedBackend{stepDelay: stepDelay}
}

func (b *SimulatedBackend) Name() string { return "simulated" }

type simulatedFinding struct {
	Image string  `json:"image"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type simulatedResult struct {
	Model        string             `json:"model"`
	ModelVersion string             `json:"model_version"`
	Findings     []simulatedFinding `json:"findings"`
}

func (b *SimulatedBackend) Run(ctx context.Context, job *models.Job, progress models.ProgressFunc) (json.RawMessage, error) {
	steps := len(job.ImageReferences)
	if steps == 0 {
		steps = 1
	}

	result := simulatedResult{
		Model:        job.ModelName,
		ModelVersion: job.ModelVersion,
		Findings:     make([]simulatedFinding, 0, len(job.ImageReferences)),
	}

	timer := time.NewTimer(b.stepDelay)
	defer timer.Stop()

	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		if i < len(job.ImageReferences) {
			img := job.ImageReferences[i]
			score := simulatedScore(job.ID, img)
			label := "no_finding"
			if score >= 0.5 {
				label = "finding"
			}
			result.Findings = append(result.Findings, simulatedFinding{Image: img, Label: label, Score: score})
		}
		if progress != nil && i < steps-1 {
			progress((i + 1) * 100 / steps)
		}
		timer.Reset(b.stepDelay)
	}

	return json.Marshal(result)
}

func simulatedScore(jobID, image string) float64 {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write([]byte(image))
	return float64(h.Sum32()%1000) / 1000
}

var _ models.InferenceBackend = (*SimulatedBackend)(nil)
