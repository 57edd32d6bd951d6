package engine

import (
	"math"
	"testing"

	"h2h-suppress/internal/config"
	"h2h-suppress/internal/db"
)

func TestNeed_MarketPreserving(t *testing.T) {
	// (300 - X) / (400 - X) = 0.5 solves at X = 200.
	flag := OutlierFlag{NatTotalWins: 300, MarketWins: 400, NatMuShare: 0.5}
	if got := Need(flag); got != 200 {
		t.Errorf("need = %d, want 200", got)
	}
}

func TestNeed_NoExcess(t *testing.T) {
	flag := OutlierFlag{NatTotalWins: 100, MarketWins: 400, NatMuShare: 0.5}
	if got := Need(flag); got != 0 {
		t.Errorf("need = %d, want 0", got)
	}
}

func TestNeed_ShareNearOne(t *testing.T) {
	// The epsilon clamp must keep the result finite and non-negative.
	flag := OutlierFlag{NatTotalWins: 100, MarketWins: 100, NatMuShare: 1.0}
	got := Need(flag)
	if got < 0 {
		t.Errorf("need = %d, want >= 0", got)
	}
	raw := float64(got)
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		t.Errorf("need = %v, want finite", raw)
	}
}

func TestPlan_SpikeAutoOnly(t *testing.T) {
	_, flags, _, plan := runSpikePipeline(t, config.Default())
	need := Need(flags[0])
	if need != 200 {
		t.Fatalf("need = %d, want 200", need)
	}
	if len(plan.Rows) != 2 {
		t.Fatalf("plan rows = %d, want 2", len(plan.Rows))
	}
	// Severity order: the 200-win pair walks first.
	first, second := plan.Rows[0], plan.Rows[1]
	if first.Loser != "B" || first.RemoveUnits != 150 || first.Stage != StageAuto {
		t.Errorf("rows[0] = %s/%d/%s, want B/150/auto", first.Loser, first.RemoveUnits, first.Stage)
	}
	if second.Loser != "C" || second.RemoveUnits != 50 || second.Stage != StageAuto {
		t.Errorf("rows[1] = %s/%d/%s, want C/50/auto", second.Loser, second.RemoveUnits, second.Stage)
	}
	if len(plan.Diagnostics.InsufficientThresholdCases) != 0 {
		t.Errorf("insufficient cases = %d, want 0", len(plan.Diagnostics.InsufficientThresholdCases))
	}
}

func TestPlan_RowInvariants(t *testing.T) {
	_, flags, _, plan := runSpikePipeline(t, config.Default())
	need := Need(flags[0])
	total := 0
	for _, r := range plan.Rows {
		if r.RemoveUnits <= 0 || float64(r.RemoveUnits) > r.PairWins {
			t.Errorf("row %s-%s: remove_units %d outside (0, %v]", r.Winner, r.Loser, r.RemoveUnits, r.PairWins)
		}
		total += r.RemoveUnits
	}
	if total > need {
		t.Errorf("total removals %d exceed need %d", total, need)
	}
}

// enrichedPair builds a minimal projection row for direct stage tests.
func enrichedPair(loser string, dma int, wins, mu, z float64, zValid, outlier bool) EnrichedRow {
	return EnrichedRow{
		Date: "2025-06-30", Winner: "A", Loser: loser, DMA: dma, DMAName: "X",
		PairWinsCurrent: wins, PairMuWins: mu, PairZ: z, PairZValid: zValid,
		PairBaseline: true, PairOutlierPos: outlier,
	}
}

func TestStageAuto_SeverityWalkStopsAtNeed(t *testing.T) {
	th := config.Default()
	rows := []EnrichedRow{
		enrichedPair("B", 1, 40, 10, 5.0, true, true),
		enrichedPair("C", 2, 30, 10, 8.0, true, true),
		enrichedPair("D", 3, 20, 10, 2.0, true, true),
	}
	out := stageAuto(rows, 25, th)
	if len(out) != 2 {
		t.Fatalf("rows = %d, want 2", len(out))
	}
	// Highest z first: C proposes 20, B is capped at the remaining 5.
	if out[0].Loser != "C" || out[0].RemoveUnits != 20 {
		t.Errorf("rows[0] = %s/%d, want C/20", out[0].Loser, out[0].RemoveUnits)
	}
	if out[1].Loser != "B" || out[1].RemoveUnits != 5 {
		t.Errorf("rows[1] = %s/%d, want B/5", out[1].Loser, out[1].RemoveUnits)
	}
}

func TestStageAuto_RareAndNewPairsRemoveAll(t *testing.T) {
	th := config.Default()
	newPair := enrichedPair("E", 4, 20, 0, 0, false, false)
	newPair.NewPair = true
	newPair.PairBaseline = false
	rare := enrichedPair("F", 5, 18, 2, 0, false, false)
	rare.RarePair = true
	out := stageAuto([]EnrichedRow{newPair, rare}, 100, th)
	if len(out) != 2 {
		t.Fatalf("rows = %d, want 2", len(out))
	}
	for _, r := range out {
		if float64(r.RemoveUnits) != r.PairWins {
			t.Errorf("%s: remove_units = %d, want full %v", r.Loser, r.RemoveUnits, r.PairWins)
		}
	}
}

func TestStageAuto_MinWinsGate(t *testing.T) {
	th := config.Default() // auto_min_wins = 2
	tiny := enrichedPair("G", 6, 1, 0, 9.0, true, true)
	if out := stageAuto([]EnrichedRow{tiny}, 10, th); len(out) != 0 {
		t.Errorf("rows = %d, want 0 below auto_min_wins", len(out))
	}
}

func TestStageDistributed_LargestRemainder(t *testing.T) {
	th := config.Default()
	// 49 pairs of 3 wins each; 50 units to spread. Every pair rounds to 1
	// and the remainder rule bumps exactly one pair to 2.
	var rows []EnrichedRow
	for i := 0; i < 49; i++ {
		rows = append(rows, enrichedPair("L", 100+i, 3, 2, 0, false, false))
	}
	out, shortfall := stageDistributed(rows, nil, 50, th)
	if shortfall != 0 {
		t.Fatalf("shortfall = %d, want 0", shortfall)
	}
	total, twos := 0, 0
	for _, r := range out {
		if r.Stage != StageDistributed {
			t.Errorf("stage = %s, want distributed", r.Stage)
		}
		if r.RemoveUnits > 3 {
			t.Errorf("remove_units %d exceeds capacity 3", r.RemoveUnits)
		}
		total += r.RemoveUnits
		if r.RemoveUnits == 2 {
			twos++
		}
	}
	if total != 50 {
		t.Errorf("total = %d, want exactly 50", total)
	}
	if twos != 1 {
		t.Errorf("pairs bumped to 2 = %d, want 1", twos)
	}
}

func TestStageDistributed_CapacityShortfall(t *testing.T) {
	th := config.Default()
	rows := []EnrichedRow{
		enrichedPair("B", 1, 4, 2, 0, false, false),
		enrichedPair("C", 2, 6, 2, 0, false, false),
	}
	out, shortfall := stageDistributed(rows, nil, 25, th)
	total := 0
	for _, r := range out {
		total += r.RemoveUnits
	}
	if total != 10 {
		t.Errorf("total = %d, want full capacity 10", total)
	}
	if shortfall != 15 {
		t.Errorf("shortfall = %d, want 15", shortfall)
	}
	// Descending capacity emission order.
	if len(out) != 2 || out[0].Loser != "C" {
		t.Errorf("rows[0] = %+v, want the 6-win pair first", out)
	}
}

func TestStageDistributed_ExcludesAutoRows(t *testing.T) {
	th := config.Default()
	rows := []EnrichedRow{
		enrichedPair("B", 1, 10, 2, 0, false, false),
		enrichedPair("C", 2, 10, 2, 0, false, false),
	}
	auto := []PlanRow{{Loser: "B", DMA: 1}}
	out, _ := stageDistributed(rows, auto, 5, th)
	for _, r := range out {
		if r.Loser == "B" {
			t.Error("stage 2 re-used a stage-1 pair")
		}
	}
}

func TestStageDistributed_PerPairMinimum(t *testing.T) {
	th := config.Default()
	th.DistributedMinWins = 2
	// Many sub-minimum pairs in one busy DMA must not aggregate into
	// eligibility.
	var rows []EnrichedRow
	for i := 0; i < 20; i++ {
		rows = append(rows, enrichedPair("L", 300+i, 1, 1, 0, false, false))
	}
	out, shortfall := stageDistributed(rows, nil, 10, th)
	if len(out) != 0 {
		t.Errorf("rows = %d, want 0", len(out))
	}
	if shortfall != 10 {
		t.Errorf("shortfall = %d, want the full 10", shortfall)
	}
}

func TestPlan_FirstAppearanceRemoval(t *testing.T) {
	e, database := newTestEngine(t)
	var rows []db.CubeRow
	for day := 1; day <= 30; day++ {
		rows = append(rows,
			db.CubeRow{Date: june2025(day), Winner: "A", Loser: "B", DMA: 501, DMAName: "X", TotalWins: 100, RecordCount: 1},
			db.CubeRow{Date: june2025(day), Winner: "B", Loser: "A", DMA: 501, DMAName: "X", TotalWins: 100, RecordCount: 1},
		)
	}
	// Day 30: a pair that has never existed wins 20 times.
	rows = append(rows,
		db.CubeRow{Date: june2025(30), Winner: "A", Loser: "E", DMA: 502, DMAName: "Y", TotalWins: 20, RecordCount: 1})
	if err := database.PutCube("newpair", "mover", "win", rows); err != nil {
		t.Fatalf("seed: %v", err)
	}

	th := config.Default()
	flags, err := e.ScanBaseOutliers(ScanParams{Dataset: "newpair", Segment: "mover", Start: june2025(1), End: june2025(30)}, th)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(flags) != 1 || flags[0].Winner != "A" || flags[0].Impact != 20 {
		t.Fatalf("flags = %+v, want one A flag with impact 20", flags)
	}
	enriched, err := e.BuildEnrichedCube(flags, "newpair", "mover", th)
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	plan, err := e.BuildPlan(flags, enriched, "newpair", "mover", th)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Rows) != 1 {
		t.Fatalf("plan rows = %d, want 1", len(plan.Rows))
	}
	r := plan.Rows[0]
	if r.Loser != "E" || r.RemoveUnits != 20 || r.Stage != StageAuto {
		t.Errorf("row = %s/%d/%s, want E/20/auto", r.Loser, r.RemoveUnits, r.Stage)
	}
}

func TestPlan_InsufficientThresholdCase(t *testing.T) {
	e, _ := newTestEngine(t)
	th := config.Default()
	th.AutoMinWins = 100 // nothing qualifies for stage 1
	th.DistributedMinWins = 100
	flag := OutlierFlag{Date: "2025-06-30", Winner: "A", NatTotalWins: 300, MarketWins: 400, NatMuShare: 0.5}
	enriched := []EnrichedRow{
		enrichedPair("B", 1, 50, 10, 4.0, true, true),
	}
	plan, err := e.BuildPlan([]OutlierFlag{flag}, enriched, "gamoshi", "mover", th)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Rows) != 0 {
		t.Fatalf("plan rows = %d, want 0", len(plan.Rows))
	}
	cases := plan.Diagnostics.InsufficientThresholdCases
	if len(cases) != 1 {
		t.Fatalf("insufficient cases = %d, want 1", len(cases))
	}
	c := cases[0]
	if c.Winner != "A" || !c.Unreachable || c.NeedRemaining != 200 {
		t.Errorf("case = %+v, want A unreachable with 200 remaining", c)
	}
}

func TestPlan_SkipsFlagWithoutRows(t *testing.T) {
	e, _ := newTestEngine(t)
	flag := OutlierFlag{Date: "2025-06-30", Winner: "Z", NatTotalWins: 300, MarketWins: 400, NatMuShare: 0.5}
	plan, err := e.BuildPlan([]OutlierFlag{flag}, nil, "gamoshi", "mover", config.Default())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Rows) != 0 || len(plan.Diagnostics.SkippedFlags) != 1 {
		t.Errorf("rows/skipped = %d/%d, want 0/1", len(plan.Rows), len(plan.Diagnostics.SkippedFlags))
	}
}

func TestPlan_StageSumInvariant(t *testing.T) {
	e, _ := newTestEngine(t)
	th := config.Default()
	flag := OutlierFlag{Date: "2025-06-30", Winner: "A", NatTotalWins: 300, MarketWins: 400, NatMuShare: 0.5}
	// One targeted candidate covering part of the need, the rest distributed.
	var enriched []EnrichedRow
	hot := enrichedPair("B", 1, 120, 10, 6.0, true, true)
	enriched = append(enriched, hot)
	for i := 0; i < 30; i++ {
		enriched = append(enriched, enrichedPair("L", 200+i, 5, 5, 0, false, false))
	}
	plan, err := e.BuildPlan([]OutlierFlag{flag}, enriched, "gamoshi", "mover", th)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var autoSum, distSum int
	for _, r := range plan.Rows {
		switch r.Stage {
		case StageAuto:
			autoSum += r.RemoveUnits
		case StageDistributed:
			distSum += r.RemoveUnits
		default:
			t.Errorf("unknown stage %q", r.Stage)
		}
	}
	if autoSum != 110 {
		t.Errorf("auto sum = %d, want 110 (excess over baseline)", autoSum)
	}
	if autoSum+distSum != Need(flag) {
		t.Errorf("auto %d + distributed %d != need %d", autoSum, distSum, Need(flag))
	}
}
