package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"h2h-suppress/internal/config"
	"h2h-suppress/internal/db"
)

// asError wraps errors.As for terse assertions on typed errors.
func asError(err error, target interface{}) bool {
	return errors.As(err, target)
}

// newTestEngine opens a throwaway database under t.TempDir.
func newTestEngine(t *testing.T) (*Engine, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewEngine(database), database
}

// june2025 returns the ISO date for the given day of June 2025.
// 2025-06-01 is a Sunday, 2025-06-30 a Monday.
func june2025(day int) string {
	return fmt.Sprintf("2025-06-%02d", day)
}

// seedSpike ingests a 30-day cube with three carriers in one DMA ("X",
// dma 501): A beats B 50/day and C 50/day, B beats A 60/day, C beats A
// 40/day, so A holds exactly half the market. On day 30 A spikes to 200 vs
// B and 100 vs C.
func seedSpike(t *testing.T, database *db.DB) {
	t.Helper()
	var rows []db.CubeRow
	for day := 1; day <= 30; day++ {
		date := june2025(day)
		ab, ac := 50.0, 50.0
		if day == 30 {
			ab, ac = 200, 100
		}
		rows = append(rows,
			db.CubeRow{Date: date, Winner: "A", Loser: "B", DMA: 501, DMAName: "X", State: "CA", TotalWins: ab, TotalLosses: 0, RecordCount: int(ab)},
			db.CubeRow{Date: date, Winner: "A", Loser: "C", DMA: 501, DMAName: "X", State: "CA", TotalWins: ac, TotalLosses: 0, RecordCount: int(ac)},
			db.CubeRow{Date: date, Winner: "B", Loser: "A", DMA: 501, DMAName: "X", State: "CA", TotalWins: 60, TotalLosses: 0, RecordCount: 60},
			db.CubeRow{Date: date, Winner: "C", Loser: "A", DMA: 501, DMAName: "X", State: "CA", TotalWins: 40, TotalLosses: 0, RecordCount: 40},
		)
	}
	if err := database.PutCube("gamoshi", "mover", "win", rows); err != nil {
		t.Fatalf("seed cube: %v", err)
	}
}

func runSpikePipeline(t *testing.T, th config.Thresholds) (*Engine, []OutlierFlag, []EnrichedRow, *Plan) {
	t.Helper()
	e, database := newTestEngine(t)
	seedSpike(t, database)
	flags, err := e.ScanBaseOutliers(ScanParams{Dataset: "gamoshi", Segment: "mover", Start: june2025(1), End: june2025(30)}, th)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	enriched, err := e.BuildEnrichedCube(flags, "gamoshi", "mover", th)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	plan, err := e.BuildPlan(flags, enriched, "gamoshi", "mover", th)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return e, flags, enriched, plan
}
