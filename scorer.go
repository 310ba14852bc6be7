package sentinel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrScoring marks a scoring failure. The pipeline treats it as "anomaly
// contribution unavailable" and continues on pattern matching alone.
var ErrScoring = errors.New("anomaly scoring failed")

// ModelArtifact is the pre-trained, read-only outlier model produced by the
// offline training pipeline. The feature scaler (mean/std per feature) is
// part of the artifact: it was fit once on baseline traffic, never per
// request.
type ModelArtifact struct {
	Version  string    `json:"version"`
	Features []string  `json:"features"`
	Mean     []float64 `json:"mean"`
	Std      []float64 `json:"std"`
	Weights  []float64 `json:"weights"`

	// Calibration maps the raw weighted z-distance onto [0,1] through a
	// logistic curve fit alongside the model.
	Calibration struct {
		Midpoint  float64 `json:"midpoint"`
		Steepness float64 `json:"steepness"`
	} `json:"calibration"`
}

// LoadModelArtifact reads and validates a model artifact file. A malformed
// artifact is a startup error; the engine never invents scaling parameters.
func LoadModelArtifact(path string) (*ModelArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact %s: %w", path, err)
	}
	var artifact ModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact %s: %w", path, err)
	}
	if err := artifact.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", path, err)
	}
	return &artifact, nil
}

func (m *ModelArtifact) validate() error {
	if len(m.Features) != FeatureCount {
		return fmt.Errorf("expected %d features, artifact declares %d", FeatureCount, len(m.Features))
	}
	for i, name := range m.Features {
		if name != FeatureNames[i] {
			return fmt.Errorf("feature %d is %q, expected %q", i, name, FeatureNames[i])
		}
	}
	if len(m.Mean) != FeatureCount || len(m.Std) != FeatureCount {
		return fmt.Errorf("scaler must carry mean and std for all %d features", FeatureCount)
	}
	for i, std := range m.Std {
		if std <= 0 {
			return fmt.Errorf("feature %q has non-positive std %v", m.Features[i], std)
		}
	}
	if len(m.Weights) != 0 && len(m.Weights) != FeatureCount {
		return fmt.Errorf("weights must be empty or cover all %d features", FeatureCount)
	}
	for i, w := range m.Weights {
		if w < 0 {
			return fmt.Errorf("feature %q has negative weight %v", m.Features[i], w)
		}
	}
	if m.Calibration.Steepness <= 0 {
		return fmt.Errorf("calibration steepness must be positive")
	}
	return nil
}

// AnomalyScorer wraps a loaded model artifact. Scoring is a pure function
// of the vector and the artifact: no per-call state, safe for unlimited
// concurrent callers.
type AnomalyScorer struct {
	model *ModelArtifact
}

func NewAnomalyScorer(model *ModelArtifact) (*AnomalyScorer, error) {
	if model == nil {
		return nil, fmt.Errorf("model artifact is required")
	}
	if err := model.validate(); err != nil {
		return nil, err
	}
	return &AnomalyScorer{model: model}, nil
}

// ModelVersion reports the loaded artifact version.
func (s *AnomalyScorer) ModelVersion() string {
	return s.model.Version
}

// Score returns how unlike baseline traffic the vector is, in [0,1].
// Identical vectors always produce identical scores under the same model.
func (s *AnomalyScorer) Score(v FeatureVector) (float64, error) {
	m := s.model
	var weighted, totalWeight float64
	for i := 0; i < FeatureCount; i++ {
		w := 1.0
		if len(m.Weights) == FeatureCount {
			w = m.Weights[i]
		}
		if w == 0 {
			continue
		}
		z := (v[i] - m.Mean[i]) / m.Std[i]
		weighted += w * z * z
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0, fmt.Errorf("%w: all feature weights are zero", ErrScoring)
	}

	distance := math.Sqrt(weighted / totalWeight)
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		return 0, fmt.Errorf("%w: degenerate distance for vector %v", ErrScoring, v)
	}

	score := 1 / (1 + math.Exp(-m.Calibration.Steepness*(distance-m.Calibration.Midpoint)))
	return clamp01(score), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
