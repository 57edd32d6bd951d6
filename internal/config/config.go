package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds holds every tunable the scan/plan pipeline accepts. The UI
// collaborator surfaces these to end users; nothing in the engine hardcodes
// them. Zero values are not meaningful — start from Default().
type Thresholds struct {
	// Scanner admission.
	TopNCarriers int     `yaml:"top_n_carriers" json:"top_n_carriers"`
	MinSharePct  float64 `yaml:"min_share_pct" json:"min_share_pct"` // percent of all-time market
	// National outlier gates.
	NatZThreshold   float64 `yaml:"nat_z_threshold" json:"nat_z_threshold"`
	EgregiousImpact float64 `yaml:"egregious_impact" json:"egregious_impact"` // admit outside top-N
	// DMA-level pair predicates.
	DMAZThreshold           float64 `yaml:"dma_z_threshold" json:"dma_z_threshold"`
	DMAPctThreshold         float64 `yaml:"dma_pct_threshold" json:"dma_pct_threshold"` // percent
	RarePairImpactThreshold float64 `yaml:"rare_pair_impact_threshold" json:"rare_pair_impact_threshold"`
	RarePairVolumeThreshold float64 `yaml:"rare_pair_volume_threshold" json:"rare_pair_volume_threshold"`
	// Planner stage minimums.
	AutoMinWins        float64 `yaml:"auto_min_wins" json:"auto_min_wins"`
	DistributedMinWins float64 `yaml:"distributed_min_wins" json:"distributed_min_wins"`
}

// Default returns the production threshold set.
func Default() Thresholds {
	return Thresholds{
		TopNCarriers:            25,
		MinSharePct:             0.5,
		NatZThreshold:           2.5,
		EgregiousImpact:         40,
		DMAZThreshold:           1.5,
		DMAPctThreshold:         30.0,
		RarePairImpactThreshold: 15,
		RarePairVolumeThreshold: 5,
		AutoMinWins:             2,
		DistributedMinWins:      1,
	}
}

// ThresholdError reports a caller-provided threshold that failed validation.
type ThresholdError struct {
	Name   string
	Value  float64
	Reason string
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("threshold %s=%v out of range: %s", e.Name, e.Value, e.Reason)
}

// Validate rejects threshold sets that would make the pipeline nonsensical.
// Called at the API boundary before any query runs.
func (t Thresholds) Validate() error {
	if t.TopNCarriers < 1 {
		return &ThresholdError{Name: "top_n_carriers", Value: float64(t.TopNCarriers), Reason: "must be >= 1"}
	}
	if t.MinSharePct < 0 || t.MinSharePct > 100 {
		return &ThresholdError{Name: "min_share_pct", Value: t.MinSharePct, Reason: "must be in [0, 100]"}
	}
	if t.NatZThreshold <= 0 {
		return &ThresholdError{Name: "nat_z_threshold", Value: t.NatZThreshold, Reason: "must be > 0"}
	}
	if t.EgregiousImpact < 0 {
		return &ThresholdError{Name: "egregious_impact", Value: t.EgregiousImpact, Reason: "must be >= 0"}
	}
	if t.DMAZThreshold <= 0 {
		return &ThresholdError{Name: "dma_z_threshold", Value: t.DMAZThreshold, Reason: "must be > 0"}
	}
	if t.DMAPctThreshold <= 0 {
		return &ThresholdError{Name: "dma_pct_threshold", Value: t.DMAPctThreshold, Reason: "must be > 0"}
	}
	if t.RarePairImpactThreshold < 0 {
		return &ThresholdError{Name: "rare_pair_impact_threshold", Value: t.RarePairImpactThreshold, Reason: "must be >= 0"}
	}
	if t.RarePairVolumeThreshold < 0 {
		return &ThresholdError{Name: "rare_pair_volume_threshold", Value: t.RarePairVolumeThreshold, Reason: "must be >= 0"}
	}
	if t.AutoMinWins < 0 {
		return &ThresholdError{Name: "auto_min_wins", Value: t.AutoMinWins, Reason: "must be >= 0"}
	}
	if t.DistributedMinWins < 0 {
		return &ThresholdError{Name: "distributed_min_wins", Value: t.DistributedMinWins, Reason: "must be >= 0"}
	}
	return nil
}

// LoadFile reads a YAML threshold file over the defaults, so a partial file
// only overrides the keys it names.
func LoadFile(path string) (Thresholds, error) {
	t := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read thresholds: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse thresholds: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}
