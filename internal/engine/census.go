package engine

import (
	"fmt"
	"sort"

	"h2h-suppress/internal/config"
	"h2h-suppress/internal/db"
	"h2h-suppress/internal/logger"
)

// censusRollingSQL mirrors rollingSQL at census-block grain for a single
// (winner, loser, dma) cell, partitioning the windows per block.
const censusRollingSQL = `
WITH base AS (
	SELECT date, census_block_id, total_wins,
	       CAST(julianday(date) AS INTEGER) AS jd,
	       CASE day_of_week WHEN 0 THEN 'Sun' WHEN 6 THEN 'Sat' ELSE 'Weekday' END AS day_type
	  FROM %s
	 WHERE winner = ? AND loser = ? AND dma = ?
)
SELECT date, day_type, census_block_id, total_wins,
       COUNT(total_wins) OVER w28,
       COALESCE(SUM(total_wins) OVER w28, 0),
       COALESCE(SUM(total_wins * total_wins) OVER w28, 0),
       COUNT(total_wins) OVER w14,
       COALESCE(SUM(total_wins) OVER w14, 0),
       COALESCE(SUM(total_wins * total_wins) OVER w14, 0),
       COUNT(total_wins) OVER w4,
       COALESCE(SUM(total_wins) OVER w4, 0),
       COALESCE(SUM(total_wins * total_wins) OVER w4, 0)
  FROM base
WINDOW w28 AS (PARTITION BY census_block_id, day_type ORDER BY jd RANGE BETWEEN 28 PRECEDING AND 1 PRECEDING),
       w14 AS (PARTITION BY census_block_id, day_type ORDER BY jd RANGE BETWEEN 14 PRECEDING AND 1 PRECEDING),
       w4  AS (PARTITION BY census_block_id, day_type ORDER BY jd RANGE BETWEEN 4 PRECEDING AND 1 PRECEDING)`

type blockStat struct {
	blockID string
	wins    float64
	z       float64
	zValid  bool
}

// RefineWithCensusBlocks splits each auto-stage plan row across the worst
// topK census blocks inside its (date, winner, loser, dma), ranked by
// block-level z-score. The per-cell removal total is preserved: capacity the
// top blocks cannot absorb stays on a coarse residual row. Distributed-stage
// rows pass through untouched. Feature-gated; callers default it off.
func (e *Engine) RefineWithCensusBlocks(plan *Plan, th config.Thresholds, topK int) (*Plan, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if topK < 1 {
		return nil, fmt.Errorf("refine: topK must be >= 1, got %d", topK)
	}
	table, err := db.CensusCubeTable(plan.Dataset, "win", plan.Segment)
	if err != nil {
		return nil, err
	}
	if err := e.DB.RequireTable(table); err != nil {
		return nil, err
	}

	refined := &Plan{Dataset: plan.Dataset, Segment: plan.Segment, Diagnostics: plan.Diagnostics}
	split := 0
	for _, row := range plan.Rows {
		if row.Stage != StageAuto {
			refined.Rows = append(refined.Rows, row)
			continue
		}
		// The round CSV carries dma_name only, so plans read back via
		// rounds.Load have no dma code to drill into.
		if row.DMA == 0 {
			return nil, fmt.Errorf("refine: row %s/%s/%s has no dma code; refine the plan before saving, not a reloaded round",
				row.Date, row.Winner, row.Loser)
		}
		blocks, err := e.blockStats(table, row)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			refined.Rows = append(refined.Rows, row)
			continue
		}
		rows := splitAcrossBlocks(row, blocks, topK)
		if len(rows) > 1 || rows[0].CensusBlock != "" {
			split++
		}
		refined.Rows = append(refined.Rows, rows...)
	}
	logger.Info("REFINE", fmt.Sprintf("split %d auto rows across census blocks", split))
	return refined, nil
}

// blockStats computes per-block tiered z-scores for the plan row's date
// within its (winner, loser, dma) cell.
func (e *Engine) blockStats(table string, row PlanRow) ([]blockStat, error) {
	query := "SELECT * FROM (" + fmt.Sprintf(censusRollingSQL, table) + ") WHERE date = ?"
	rows, err := e.DB.Query(query, row.Winner, row.Loser, row.DMA, row.Date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blockStat
	for rows.Next() {
		var date, dayType string
		var b blockStat
		var sums [3]tierSums
		if err := rows.Scan(&date, &dayType, &b.blockID, &b.wins,
			&sums[0].n, &sums[0].sum, &sums[0].sumsq,
			&sums[1].n, &sums[1].sum, &sums[1].sumsq,
			&sums[2].n, &sums[2].sum, &sums[2].sumsq,
		); err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		if b.wins <= 0 {
			continue
		}
		if window, stats := selectTier(sums, dayType); window != 0 && stats.StdDev > 0 {
			b.z = (b.wins - stats.AvgWins) / stats.StdDev
			b.zValid = true
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// splitAcrossBlocks walks the worst blocks first and peels remove_units off
// the coarse row, capping each fine row at the block's current wins.
func splitAcrossBlocks(row PlanRow, blocks []blockStat, topK int) []PlanRow {
	sort.Slice(blocks, func(i, j int) bool {
		a, b := blocks[i], blocks[j]
		if a.zValid != b.zValid {
			return a.zValid
		}
		if a.zValid && a.z != b.z {
			return a.z > b.z
		}
		if a.wins != b.wins {
			return a.wins > b.wins
		}
		return a.blockID < b.blockID
	})
	if len(blocks) > topK {
		blocks = blocks[:topK]
	}

	var out []PlanRow
	remaining := row.RemoveUnits
	for _, b := range blocks {
		if remaining == 0 {
			break
		}
		rm := int(b.wins)
		if rm > remaining {
			rm = remaining
		}
		if rm <= 0 {
			continue
		}
		fine := row
		fine.CensusBlock = b.blockID
		fine.RemoveUnits = rm
		// The block cell caps the fine row, not the DMA cell.
		fine.PairWins = b.wins
		out = append(out, fine)
		remaining -= rm
	}
	if remaining > 0 {
		residual := row
		residual.RemoveUnits = remaining
		out = append(out, residual)
	}
	if len(out) == 0 {
		return []PlanRow{row}
	}
	return out
}
