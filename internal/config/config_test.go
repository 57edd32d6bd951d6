package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_Values(t *testing.T) {
	th := Default()
	if th.TopNCarriers != 25 {
		t.Errorf("top_n_carriers = %d, want 25", th.TopNCarriers)
	}
	if th.MinSharePct != 0.5 {
		t.Errorf("min_share_pct = %v, want 0.5", th.MinSharePct)
	}
	if th.NatZThreshold != 2.5 {
		t.Errorf("nat_z_threshold = %v, want 2.5", th.NatZThreshold)
	}
	if th.EgregiousImpact != 40 {
		t.Errorf("egregious_impact = %v, want 40", th.EgregiousImpact)
	}
	if th.DMAZThreshold != 1.5 {
		t.Errorf("dma_z_threshold = %v, want 1.5", th.DMAZThreshold)
	}
	if th.DMAPctThreshold != 30.0 {
		t.Errorf("dma_pct_threshold = %v, want 30", th.DMAPctThreshold)
	}
	if th.RarePairImpactThreshold != 15 || th.RarePairVolumeThreshold != 5 {
		t.Errorf("rare pair thresholds = %v/%v, want 15/5", th.RarePairImpactThreshold, th.RarePairVolumeThreshold)
	}
	if th.AutoMinWins != 2 || th.DistributedMinWins != 1 {
		t.Errorf("stage minimums = %v/%v, want 2/1", th.AutoMinWins, th.DistributedMinWins)
	}
}

func TestValidate_DefaultsPass(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Validate(defaults) = %v, want nil", err)
	}
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Thresholds)
	}{
		{"negative nat z", func(th *Thresholds) { th.NatZThreshold = -1 }},
		{"zero dma z", func(th *Thresholds) { th.DMAZThreshold = 0 }},
		{"zero top n", func(th *Thresholds) { th.TopNCarriers = 0 }},
		{"share over 100", func(th *Thresholds) { th.MinSharePct = 150 }},
		{"negative auto min", func(th *Thresholds) { th.AutoMinWins = -1 }},
		{"negative distributed min", func(th *Thresholds) { th.DistributedMinWins = -2 }},
	}
	for _, c := range cases {
		th := Default()
		c.mutate(&th)
		err := th.Validate()
		var te *ThresholdError
		if !errors.As(err, &te) {
			t.Errorf("%s: err = %v, want ThresholdError", c.name, err)
		}
	}
}

func TestLoadFile_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	body := "nat_z_threshold: 3.5\ntop_n_carriers: 10\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	th, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if th.NatZThreshold != 3.5 || th.TopNCarriers != 10 {
		t.Errorf("overrides not applied: %+v", th)
	}
	// Unmentioned keys keep their defaults.
	if th.DMAZThreshold != 1.5 {
		t.Errorf("dma_z_threshold = %v, want default 1.5", th.DMAZThreshold)
	}
}

func TestLoadFile_InvalidValuesRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte("nat_z_threshold: -2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadFile(path)
	var te *ThresholdError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want ThresholdError", err)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
