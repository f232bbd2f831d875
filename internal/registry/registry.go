// Package registry answers which models and versions the inference backend
// serves.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/kiranshivaraju/inferq/pkg/models"
	"gopkg.in/yaml.v3"
)

var ErrModelNotFound = errors.New("model not found")

// Registry is consumed by admission and the model endpoints.
type Registry interface {
	HasModel(name string) bool
	// HasVersion reports whether name serves version. "" and "latest" resolve
	// to the model's latest version.
	HasVersion(name, version string) bool
	Get(name string) (models.ModelInfo, error)
	List() []models.ModelSummary
}

// Static is an immutable in-memory catalog.
type Static struct {
	models map[string]models.ModelInfo
}

type catalogFile struct {
	Models []models.ModelInfo `yaml:"models"`
}

// NewStatic builds a catalog from infos. Names must be unique and non-empty.
func NewStatic(infos []models.ModelInfo) (*Static, error) {
	m := make(map[string]models.ModelInfo, len(infos))
	for _, info := range infos {
		if info.Name == "" {
			return nil, errors.New("model name is required")
		}
		if _, dup := m[info.Name]; dup {
			return nil, fmt.Errorf("duplicate model %q", info.Name)
		}
		if info.LatestVersion == "" && len(info.Versions) > 0 {
			info.LatestVersion = info.Versions[len(info.Versions)-1]
		}
		if info.LatestVersion != "" && !contains(info.Versions, info.LatestVersion) {
			info.Versions = append(info.Versions, info.LatestVersion)
		}
		m[info.Name] = info
	}
	return &Static{models: m}, nil
}

// Load reads a YAML catalog of the form:
//
//	models:
//	  - name: densenet121_chex
//	    versions: ["1.0.0"]
//	    base_seconds: 30
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing model catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model catalog %s lists no models", path)
	}
	return NewStatic(f.Models)
}

// Default returns the built-in catalog used when no catalog file is configured.
func Default() *Static {
	s, _ := NewStatic([]models.ModelInfo{
		{
			Name:          "densenet121_chex",
			Description:   "DenseNet-121 chest X-ray multi-label classifier",
			Modality:      "CR",
			Versions:      []string{"1.0.0", "1.1.0"},
			LatestVersion: "1.1.0",
			Labels:        []string{"atelectasis", "cardiomegaly", "consolidation", "edema", "pleural_effusion"},
			BaseSeconds:   30,
		},
		{
			Name:          "unet_segmentation",
			Description:   "U-Net organ segmentation",
			Modality:      "CT",
			Versions:      []string{"2.0.0"},
			LatestVersion: "2.0.0",
			BaseSeconds:   45,
		},
		{
			Name:          "ensemble",
			Description:   "Ensemble of the classification and segmentation models",
			Modality:      "CR",
			Versions:      []string{"1.0.0"},
			LatestVersion: "1.0.0",
			BaseSeconds:   60,
		},
	})
	return s
}

func (s *Static) HasModel(name string) bool {
	_, ok := s.models[name]
	return ok
}

func (s *Static) HasVersion(name, version string) bool {
	info, ok := s.models[name]
	if !ok {
		return false
	}
	if version == "" || version == "latest" {
		return true
	}
	return contains(info.Versions, version)
}

func (s *Static) Get(name string) (models.ModelInfo, error) {
	info, ok := s.models[name]
	if !ok {
		return models.ModelInfo{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	info.Versions = append([]string(nil), info.Versions...)
	info.Labels = append([]string(nil), info.Labels...)
	return info, nil
}

// List returns one summary per model, sorted by name.
func (s *Static) List() []models.ModelSummary {
	out := make([]models.ModelSummary, 0, len(s.models))
	for _, info := range s.models {
		out = append(out, models.ModelSummary{
			Name:          info.Name,
			Modality:      info.Modality,
			LatestVersion: info.LatestVersion,
			Versions:      append([]string(nil), info.Versions...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BaseTimes returns per-model base processing seconds for models that declare one.
func (s *Static) BaseTimes() map[string]int {
	out := make(map[string]int, len(s.models))
	for name, info := range s.models {
		if info.BaseSeconds > 0 {
			out[name] = info.BaseSeconds
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var _ Registry = (*Static)(nil)
