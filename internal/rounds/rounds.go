// Package rounds persists suppression plans as named, immutable rounds: a
// CSV of plan rows plus a YAML sidecar describing the round. Overwriting an
// existing round requires explicit opt-in.
package rounds

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"h2h-suppress/internal/engine"
	"h2h-suppress/internal/logger"
)

// RoundExistsError reports a save against an existing round without the
// overwrite flag. The existing files are left untouched.
type RoundExistsError struct {
	Round string
	Path  string
}

func (e *RoundExistsError) Error() string {
	return fmt.Sprintf("round %q already exists at %s (pass overwrite to replace)", e.Round, e.Path)
}

// Meta is the YAML sidecar for one persisted round.
type Meta struct {
	RoundID      string `yaml:"round_id" json:"round_id"`
	RoundName    string `yaml:"round_name" json:"round_name"`
	Dataset      string `yaml:"dataset" json:"dataset"`
	MoverSegment string `yaml:"mover_segment" json:"mover_segment"`
	CreatedAt    string `yaml:"created_at" json:"created_at"`
	RowCount     int    `yaml:"row_count" json:"row_count"`
	InsuffCases  int    `yaml:"insufficient_threshold_cases" json:"insufficient_threshold_cases"`
	SkippedFlags int    `yaml:"skipped_flags" json:"skipped_flags"`
}

// Store reads and writes rounds under one directory.
type Store struct {
	Dir string
}

// NewStore returns a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rounds dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

var roundNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// csvHeader is the canonical plan export column order.
var csvHeader = []string{
	"date", "winner", "loser", "dma_name", "state", "mover_ind",
	"remove_units", "stage", "impact",
	"pair_wins_current", "pair_mu_wins", "pair_sigma_wins", "pair_z", "pair_pct_change",
	"dma_wins", "pair_share",
	"nat_total_wins", "nat_share_current", "nat_mu_share", "nat_z_score",
}

func (s *Store) csvPath(round string) string {
	return filepath.Join(s.Dir, round+".csv")
}

func (s *Store) metaPath(round string) string {
	return filepath.Join(s.Dir, round+".yaml")
}

// Save persists the plan under roundName. The write is all-or-nothing: both
// files are staged to temp paths and renamed into place, so a failed save
// never leaves a partial round behind.
func (s *Store) Save(plan *engine.Plan, roundName string, overwrite bool) (string, error) {
	if !roundNameRe.MatchString(roundName) {
		return "", fmt.Errorf("invalid round name %q", roundName)
	}
	path := s.csvPath(roundName)
	if _, err := os.Stat(path); err == nil && !overwrite {
		return "", &RoundExistsError{Round: roundName, Path: path}
	}

	tmpCSV := path + ".tmp"
	if err := writeCSV(tmpCSV, plan); err != nil {
		os.Remove(tmpCSV)
		return "", err
	}
	meta := Meta{
		RoundID:      uuid.NewString(),
		RoundName:    roundName,
		Dataset:      plan.Dataset,
		MoverSegment: plan.Segment,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		RowCount:     len(plan.Rows),
		InsuffCases:  len(plan.Diagnostics.InsufficientThresholdCases),
		SkippedFlags: len(plan.Diagnostics.SkippedFlags),
	}
	metaBytes, err := yaml.Marshal(meta)
	if err != nil {
		os.Remove(tmpCSV)
		return "", fmt.Errorf("marshal round meta: %w", err)
	}
	tmpMeta := s.metaPath(roundName) + ".tmp"
	if err := os.WriteFile(tmpMeta, metaBytes, 0o644); err != nil {
		os.Remove(tmpCSV)
		return "", fmt.Errorf("write round meta: %w", err)
	}
	if err := os.Rename(tmpCSV, path); err != nil {
		os.Remove(tmpCSV)
		os.Remove(tmpMeta)
		return "", fmt.Errorf("finalize round csv: %w", err)
	}
	if err := os.Rename(tmpMeta, s.metaPath(roundName)); err != nil {
		os.Remove(tmpMeta)
		return "", fmt.Errorf("finalize round meta: %w", err)
	}
	logger.Success("ROUNDS", fmt.Sprintf("Saved round %s (%d rows) to %s", roundName, len(plan.Rows), path))
	return path, nil
}

func writeCSV(path string, plan *engine.Plan) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create round csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return err
	}
	moverInd := formatBool(plan.Segment == "mover")
	for _, r := range plan.Rows {
		rec := []string{
			r.Date, r.Winner, r.Loser, r.DMAName, r.State, moverInd,
			strconv.Itoa(r.RemoveUnits), r.Stage, strconv.Itoa(r.Impact),
			formatFloat(r.PairWins), formatFloat(r.PairMu), formatFloat(r.PairSigma),
			formatFloat(r.PairZ), formatFloat(r.PairPct),
			formatFloat(r.DMAWins), formatFloat(r.PairShare),
			formatFloat(r.NatWins), formatFloat(r.NatShare), formatFloat(r.NatMuShare), formatFloat(r.NatZ),
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// List returns the metadata of every persisted round, newest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read rounds dir: %w", err)
	}
	var metas []Meta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var m Meta
		if err := yaml.Unmarshal(data, &m); err != nil {
			logger.Warn("ROUNDS", fmt.Sprintf("Skipping unreadable sidecar %s: %v", e.Name(), err))
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt != metas[j].CreatedAt {
			return metas[i].CreatedAt > metas[j].CreatedAt
		}
		return metas[i].RoundName < metas[j].RoundName
	})
	return metas, nil
}

// Load reads a round's plan rows back for previewing. The CSV is the export
// surface, so only the columns it carries are reconstructed: in particular
// the numeric dma code is absent (only dma_name is exported) and comes back
// zero. Loaded plans aggregate correctly per (date, winner) for previews but
// cannot drive census-block refinement.
func (s *Store) Load(roundName string) (*engine.Plan, error) {
	metaBytes, err := os.ReadFile(s.metaPath(roundName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("round %q not found", roundName)
		}
		return nil, err
	}
	var meta Meta
	if err := yaml.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("parse round meta: %w", err)
	}

	f, err := os.Open(s.csvPath(roundName))
	if err != nil {
		return nil, fmt.Errorf("open round csv: %w", err)
	}
	defer f.Close()
	rd := csv.NewReader(f)
	records, err := rd.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read round csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("round %q csv is empty", roundName)
	}

	plan := &engine.Plan{Dataset: meta.Dataset, Segment: meta.MoverSegment}
	for i, rec := range records[1:] {
		if len(rec) != len(csvHeader) {
			return nil, fmt.Errorf("round %q row %d: %d columns, want %d", roundName, i+1, len(rec), len(csvHeader))
		}
		removeUnits, err := strconv.Atoi(rec[6])
		if err != nil {
			return nil, fmt.Errorf("round %q row %d: bad remove_units %q", roundName, i+1, rec[6])
		}
		impact, _ := strconv.Atoi(rec[8])
		row := engine.PlanRow{
			Date:        rec[0],
			Winner:      rec[1],
			Loser:       rec[2],
			DMAName:     rec[3],
			State:       rec[4],
			RemoveUnits: removeUnits,
			Stage:       rec[7],
			Impact:      impact,
		}
		row.PairWins, _ = strconv.ParseFloat(rec[9], 64)
		row.PairMu, _ = strconv.ParseFloat(rec[10], 64)
		row.PairSigma, _ = strconv.ParseFloat(rec[11], 64)
		row.PairZ, _ = strconv.ParseFloat(rec[12], 64)
		row.PairPct, _ = strconv.ParseFloat(rec[13], 64)
		row.DMAWins, _ = strconv.ParseFloat(rec[14], 64)
		row.PairShare, _ = strconv.ParseFloat(rec[15], 64)
		row.NatWins, _ = strconv.ParseFloat(rec[16], 64)
		row.NatShare, _ = strconv.ParseFloat(rec[17], 64)
		row.NatMuShare, _ = strconv.ParseFloat(rec[18], 64)
		row.NatZ, _ = strconv.ParseFloat(rec[19], 64)
		plan.Rows = append(plan.Rows, row)
	}
	return plan, nil
}
