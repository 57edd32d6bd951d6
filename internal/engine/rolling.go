package engine

import (
	"fmt"
	"strings"

	"h2h-suppress/internal/config"
	"h2h-suppress/internal/db"
)

// RollingFilter restricts which rolling rows are returned. The window
// statistics are always computed over the entire cube history; the filter
// applies only to the emitted rows, so a filtered call still sees full
// baselines.
type RollingFilter struct {
	Start   string   // inclusive ISO date, "" = unbounded
	End     string   // inclusive ISO date, "" = unbounded
	Dates   []string // nil = all dates; otherwise an exact date set
	Winners []string // nil = all winners
}

// rollingSQL computes, per cube row, the (count, sum, sum-of-squares) of
// prior same-day-type observations of the same (winner, loser, dma) series
// for each fallback window, plus the row's 1-based appearance rank. This is
// the one source of truth for the tiered-window computation; tier selection
// happens client-side from the returned sums.
//
// RANGE frames over integer julian days give calendar-day windows: a
// 28 PRECEDING .. 1 PRECEDING frame covers [date-28, date-1].
const rollingSQL = `
WITH base AS (
	SELECT date, day_of_week, winner, loser, dma, dma_name,
	       COALESCE(state, '') AS state,
	       total_wins, total_losses, record_count,
	       CAST(julianday(date) AS INTEGER) AS jd,
	       CASE day_of_week WHEN 0 THEN 'Sun' WHEN 6 THEN 'Sat' ELSE 'Weekday' END AS day_type
	  FROM %s
)
SELECT date, day_of_week, day_type, winner, loser, dma, dma_name, state,
       total_wins, total_losses, record_count,
       COUNT(total_wins) OVER w28,
       COALESCE(SUM(total_wins) OVER w28, 0),
       COALESCE(SUM(total_wins * total_wins) OVER w28, 0),
       COUNT(total_wins) OVER w14,
       COALESCE(SUM(total_wins) OVER w14, 0),
       COALESCE(SUM(total_wins * total_wins) OVER w14, 0),
       COUNT(total_wins) OVER w4,
       COALESCE(SUM(total_wins) OVER w4, 0),
       COALESCE(SUM(total_wins * total_wins) OVER w4, 0),
       COUNT(*) OVER (PARTITION BY winner, loser, dma, day_type ORDER BY jd
                      ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW)
  FROM base
WINDOW w28 AS (PARTITION BY winner, loser, dma, day_type ORDER BY jd RANGE BETWEEN 28 PRECEDING AND 1 PRECEDING),
       w14 AS (PARTITION BY winner, loser, dma, day_type ORDER BY jd RANGE BETWEEN 14 PRECEDING AND 1 PRECEDING),
       w4  AS (PARTITION BY winner, loser, dma, day_type ORDER BY jd RANGE BETWEEN 4 PRECEDING AND 1 PRECEDING)
 ORDER BY winner, loser, dma, date`

// Rolling computes one RollingRow per cube row of the win cube, with
// day-type-partitioned tiered baselines and the DMA-level outlier predicate
// evaluated against the given thresholds.
func (e *Engine) Rolling(dataset, segment string, th config.Thresholds, filter RollingFilter) ([]RollingRow, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	table, err := db.CubeTable(dataset, "win", segment)
	if err != nil {
		return nil, err
	}
	if err := e.DB.RequireTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(rollingSQL, table)
	var conds []string
	var args []interface{}
	if filter.Start != "" {
		conds = append(conds, "date >= ?")
		args = append(args, filter.Start)
	}
	if filter.End != "" {
		conds = append(conds, "date <= ?")
		args = append(args, filter.End)
	}
	if len(filter.Dates) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Dates))
		conds = append(conds, "date IN ("+placeholders[:len(placeholders)-1]+")")
		for _, d := range filter.Dates {
			args = append(args, d)
		}
	}
	if len(filter.Winners) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Winners))
		conds = append(conds, "winner IN ("+placeholders[:len(placeholders)-1]+")")
		for _, w := range filter.Winners {
			args = append(args, w)
		}
	}
	if len(conds) > 0 {
		query = "SELECT * FROM (" + query + ") WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := e.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RollingRow
	for rows.Next() {
		var r RollingRow
		var sums [3]tierSums
		if err := rows.Scan(
			&r.Date, &r.DayOfWeek, &r.DayType, &r.Winner, &r.Loser, &r.DMA, &r.DMAName, &r.State,
			&r.TotalWins, &r.TotalLosses, &r.RecordCount,
			&sums[0].n, &sums[0].sum, &sums[0].sumsq,
			&sums[1].n, &sums[1].sum, &sums[1].sumsq,
			&sums[2].n, &sums[2].sum, &sums[2].sumsq,
			&r.AppearanceRank,
		); err != nil {
			return nil, fmt.Errorf("scan rolling row: %w", err)
		}
		r.Window28 = sums[0].stats()
		r.Window14 = sums[1].stats()
		r.Window4 = sums[2].stats()
		finishRollingRow(&r, sums, th)
		out = append(out, r)
	}
	return out, rows.Err()
}

// finishRollingRow selects the baseline tier and evaluates the derived
// statistics and the DMA-level outlier predicate.
func finishRollingRow(r *RollingRow, sums [3]tierSums, th config.Thresholds) {
	window, stats := selectTier(sums, r.DayType)
	r.SelectedWindow = window
	r.IsFirstAppearance = r.AppearanceRank == 1
	if window == 0 {
		r.IsOutlier = r.IsFirstAppearance
		return
	}
	r.AvgWins = stats.AvgWins
	r.StdDevWins = stats.StdDev
	r.NPeriods = stats.NPeriods

	if r.StdDevWins > 0 {
		r.ZScore = (r.TotalWins - r.AvgWins) / r.StdDevWins
		r.ZValid = true
	}
	if r.AvgWins > 0 {
		r.PctChange = (r.TotalWins - r.AvgWins) / r.AvgWins
		r.PctValid = true
	}

	r.IsZOutlier = r.ZValid && r.ZScore > th.DMAZThreshold
	r.IsPctOutlier = r.PctValid && r.PctChange > th.DMAPctThreshold/100
	pairImpact := r.TotalWins - r.AvgWins
	r.IsRarePair = r.AvgWins < th.RarePairVolumeThreshold && pairImpact > th.RarePairImpactThreshold
	r.IsOutlier = r.IsZOutlier || r.IsPctOutlier || r.IsFirstAppearance || r.IsRarePair
}
