package models

// ModelInfo describes one model served by the inference backend.
type ModelInfo struct {
	Name          string   `yaml:"name"           json:"name"`
	Description   string   `yaml:"description"    json:"description"`
	Modality      string   `yaml:"modality"       json:"modality"`
	Versions      []string `yaml:"versions"       json:"versions"`
	LatestVersion string   `yaml:"latest_version" json:"latest_version"`
	Labels        []string `yaml:"labels"         json:"labels,omitempty"`
	BaseSeconds   int      `yaml:"base_seconds"   json:"base_seconds"`
}

// ModelSummary is the list view of a ModelInfo.
type ModelSummary struct {
	Name          string   `json:"name"`
	Modality      string   `json:"modality"`
	LatestVersion string   `json:"latest_version"`
	Versions      []string `json:"versions"`
}
