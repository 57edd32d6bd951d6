package engine

import (
	"h2h-suppress/internal/db"
)

// Day-type buckets for baseline partitioning. Saturdays and Sundays behave
// unlike weekdays but individually have too few samples in a short window,
// so Mon-Fri collapse into one bucket.
const (
	DayTypeWeekday = "Weekday"
	DayTypeSat     = "Sat"
	DayTypeSun     = "Sun"
)

// DayType maps a day-of-week (0 = Sunday) to its baseline bucket. This is
// the single policy point; a seven-bucket variant would replace it.
func DayType(dayOfWeek int) string {
	switch dayOfWeek {
	case 0:
		return DayTypeSun
	case 6:
		return DayTypeSat
	default:
		return DayTypeWeekday
	}
}

// Windows is the tiered fallback order: calendar days of history tried until
// one yields enough same-day-type samples.
var Windows = [3]int{28, 14, 4}

// MinPeriods returns the minimum same-day-type prior observations a window
// must contain to supply a baseline.
func MinPeriods(dayType string) int {
	if dayType == DayTypeWeekday {
		return 4
	}
	return 2
}

// WindowStats are the raw per-window aggregates for one row and one window
// size: count, mean and sample stddev of prior same-day-type observations.
type WindowStats struct {
	NPeriods int     `json:"n_periods"`
	AvgWins  float64 `json:"avg_wins"`
	StdDev   float64 `json:"stddev_wins"`
}

// RollingRow is one cube row augmented with its day-type rolling baseline.
// SelectedWindow is 0 when no tier had enough samples; such rows carry no
// baseline and never flag as outliers (except via first appearance).
type RollingRow struct {
	Date        string  `json:"date"`
	DayOfWeek   int     `json:"day_of_week"`
	DayType     string  `json:"day_type"`
	Winner      string  `json:"winner"`
	Loser       string  `json:"loser"`
	DMA         int     `json:"dma"`
	DMAName     string  `json:"dma_name"`
	State       string  `json:"state"`
	TotalWins   float64 `json:"total_wins"`
	TotalLosses float64 `json:"total_losses"`
	RecordCount int     `json:"record_count"`

	Window28 WindowStats `json:"window_28"`
	Window14 WindowStats `json:"window_14"`
	Window4  WindowStats `json:"window_4"`

	SelectedWindow int     `json:"selected_window"` // 28, 14, 4, or 0 for none
	AvgWins        float64 `json:"avg_wins"`
	StdDevWins     float64 `json:"stddev_wins"`
	NPeriods       int     `json:"n_periods"`

	ZScore    float64 `json:"z_score"`
	ZValid    bool    `json:"z_valid"` // false when stddev is zero or no baseline
	PctChange float64 `json:"pct_change"`
	PctValid  bool    `json:"pct_valid"` // false when avg_wins is zero or no baseline

	AppearanceRank    int  `json:"appearance_rank"` // 1-based within the series
	IsFirstAppearance bool `json:"is_first_appearance"`

	IsZOutlier   bool `json:"is_z_outlier"`
	IsPctOutlier bool `json:"is_pct_outlier"`
	IsRarePair   bool `json:"is_rare_pair"`
	IsOutlier    bool `json:"is_outlier"`
}

// OutlierFlag is one scanner hit: a (date, carrier) whose national win total
// deviates from its same-day-type baseline.
type OutlierFlag struct {
	Date           string  `json:"date"`
	Winner         string  `json:"winner"`
	DayType        string  `json:"day_type"`
	NatTotalWins   float64 `json:"nat_total_wins"`
	MarketWins     float64 `json:"market_wins"`
	BaselineWins   float64 `json:"baseline_wins"`
	StdDevWins     float64 `json:"stddev_wins"`
	NPeriods       int     `json:"n_periods"`
	SelectedWindow int     `json:"selected_window"`
	Impact         int     `json:"impact"` // round-half-even(nat_total_wins - baseline_wins)
	NatZScore      float64 `json:"nat_z_score"`

	NatShareCurrent float64 `json:"nat_share_current"`
	NatMuShare      float64 `json:"nat_mu_share"` // baseline of the share series, same window
}

// EnrichedRow joins a flagged carrier-day's pair-level rolling metrics with
// its national aggregates: the planner's input surface.
type EnrichedRow struct {
	Date    string `json:"date"`
	Winner  string `json:"winner"`
	Loser   string `json:"loser"`
	DMA     int    `json:"dma"`
	DMAName string `json:"dma_name"`
	State   string `json:"state"`

	PairWinsCurrent float64 `json:"pair_wins_current"`
	PairMuWins      float64 `json:"pair_mu_wins"`
	PairSigmaWins   float64 `json:"pair_sigma_wins"`
	PairZ           float64 `json:"pair_z"`
	PairZValid      bool    `json:"pair_z_valid"`
	PairPctChange   float64 `json:"pair_pct_change"`
	PairPctValid    bool    `json:"pair_pct_valid"`
	PairBaseline    bool    `json:"pair_baseline"` // false when no tier qualified

	PairOutlierPos bool `json:"pair_outlier_pos"` // z predicate
	PctOutlierPos  bool `json:"pct_outlier_pos"`
	RarePair       bool `json:"rare_pair"`
	NewPair        bool `json:"new_pair"` // first appearance of the series

	DMAWins   float64 `json:"dma_wins"`   // winner's total wins in this DMA that day
	PairShare float64 `json:"pair_share"` // pair_wins_current / dma_wins

	Impact          int     `json:"impact"` // the flag's national impact
	NatTotalWins    float64 `json:"nat_total_wins"`
	NatShareCurrent float64 `json:"nat_share_current"`
	NatMuShare      float64 `json:"nat_mu_share"`
	NatZScore       float64 `json:"nat_z_score"`
}

// Plan stages.
const (
	StageAuto        = "auto"
	StageDistributed = "distributed"
)

// PlanRow is one proposed removal: take remove_units wins away from a
// (date, winner, loser, dma) cell. The pair and national statistics are
// snapshotted at decision time for audit.
type PlanRow struct {
	Date        string  `json:"date"`
	Winner      string  `json:"winner"`
	Loser       string  `json:"loser"`
	DMA         int     `json:"dma"`
	DMAName     string  `json:"dma_name"`
	State       string  `json:"state"`
	RemoveUnits int     `json:"remove_units"`
	Stage       string  `json:"stage"`
	CensusBlock string  `json:"census_block_id,omitempty"` // set only by census refinement
	Impact      int     `json:"impact"`
	PairWins    float64 `json:"pair_wins_current"`
	PairMu      float64 `json:"pair_mu_wins"`
	PairSigma   float64 `json:"pair_sigma_wins"`
	PairZ       float64 `json:"pair_z"`
	PairPct     float64 `json:"pair_pct_change"`
	DMAWins     float64 `json:"dma_wins"`
	PairShare   float64 `json:"pair_share"`
	NatWins     float64 `json:"nat_total_wins"`
	NatShare    float64 `json:"nat_share_current"`
	NatMuShare  float64 `json:"nat_mu_share"`
	NatZ        float64 `json:"nat_z_score"`
}

// InsufficientThresholdCase records a carrier-day whose remaining need could
// not be met because no pair cleared the distributed minimum.
type InsufficientThresholdCase struct {
	Date          string `json:"date"`
	Winner        string `json:"winner"`
	NeedRemaining int    `json:"need_remaining"`
	Unreachable   bool   `json:"unreachable"`
}

// SkippedFlag records a scanner flag the planner produced no rows for.
type SkippedFlag struct {
	Date   string `json:"date"`
	Winner string `json:"winner"`
	Reason string `json:"reason"`
}

// PlanDiagnostics accumulates domain conditions that are reported with the
// plan rather than raised as errors.
type PlanDiagnostics struct {
	InsufficientThresholdCases []InsufficientThresholdCase `json:"insufficient_threshold_cases"`
	SkippedFlags               []SkippedFlag               `json:"skipped_flags"`
}

// Plan is the planner's output: removal rows plus diagnostics, scoped to one
// dataset and mover segment. Plans are declarative; the cube is never
// rewritten.
type Plan struct {
	Dataset     string          `json:"dataset"`
	Segment     string          `json:"mover_segment"`
	Rows        []PlanRow       `json:"rows"`
	Diagnostics PlanDiagnostics `json:"diagnostics"`
}

// SharePoint is one day of a carrier's national share series.
type SharePoint struct {
	Date       string  `json:"date"`
	Wins       float64 `json:"wins"`
	MarketWins float64 `json:"market_wins"`
	Share      float64 `json:"share"`
}

// PreviewResult carries the base and suppressed reconstructions for a set of
// carriers. Carriers is ordered by all-time wins so chart colors stay stable
// across the two overlays.
type PreviewResult struct {
	Carriers   []string                `json:"carriers"`
	Base       map[string][]SharePoint `json:"base"`
	Suppressed map[string][]SharePoint `json:"suppressed"`
}

// Engine runs scans, projections, plans and previews against one cube
// database handle. It is synchronous and holds no mutable state.
type Engine struct {
	DB *db.DB
}

// NewEngine creates an Engine over an open cube database.
func NewEngine(database *db.DB) *Engine {
	return &Engine{DB: database}
}
