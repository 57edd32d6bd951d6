package engine

import (
	"fmt"
	"math"
	"sort"

	"h2h-suppress/internal/config"
	"h2h-suppress/internal/logger"
)

// shareEpsilon guards the need formula's denominator when a carrier's
// baseline share approaches 1.
const shareEpsilon = 1e-12

// Need returns the market-preserving removal quantity for one flag: the X
// solving (W - X) / (T - X) = mu. Removing wins shrinks the market total
// too, so the naive W - mu*T undershoots.
func Need(flag OutlierFlag) int {
	denom := 1 - flag.NatMuShare
	if denom < shareEpsilon {
		denom = shareEpsilon
	}
	raw := (flag.NatTotalWins - flag.NatMuShare*flag.MarketWins) / denom
	if raw <= 0 {
		return 0
	}
	return int(math.Ceil(raw))
}

// BuildPlan allocates each flag's removal need across its (loser, dma) pairs
// in two stages: a targeted walk over pairs the DMA predicate flagged, then
// a proportional distribution over the remainder. Domain shortfalls land in
// the plan's diagnostics, never as errors.
func (e *Engine) BuildPlan(flags []OutlierFlag, enriched []EnrichedRow, dataset, segment string, th config.Thresholds) (*Plan, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	plan := &Plan{
		Dataset: dataset,
		Segment: segment,
		Rows:    []PlanRow{},
		Diagnostics: PlanDiagnostics{
			InsufficientThresholdCases: []InsufficientThresholdCase{},
			SkippedFlags:               []SkippedFlag{},
		},
	}

	byFlag := make(map[string][]EnrichedRow)
	for _, row := range enriched {
		key := row.Date + "|" + row.Winner
		byFlag[key] = append(byFlag[key], row)
	}

	for _, flag := range flags {
		key := flag.Date + "|" + flag.Winner
		rows := byFlag[key]
		if len(rows) == 0 {
			plan.Diagnostics.SkippedFlags = append(plan.Diagnostics.SkippedFlags,
				SkippedFlag{Date: flag.Date, Winner: flag.Winner, Reason: "no projection rows"})
			continue
		}
		need := Need(flag)
		if need == 0 {
			plan.Diagnostics.SkippedFlags = append(plan.Diagnostics.SkippedFlags,
				SkippedFlag{Date: flag.Date, Winner: flag.Winner, Reason: "need is zero"})
			continue
		}

		autoRows := stageAuto(rows, need, th)
		removed := 0
		for _, r := range autoRows {
			removed += r.RemoveUnits
		}
		plan.Rows = append(plan.Rows, autoRows...)

		needRemaining := need - removed
		if needRemaining > 0 {
			distRows, shortfall := stageDistributed(rows, autoRows, needRemaining, th)
			plan.Rows = append(plan.Rows, distRows...)
			if shortfall > 0 {
				plan.Diagnostics.InsufficientThresholdCases = append(plan.Diagnostics.InsufficientThresholdCases,
					InsufficientThresholdCase{Date: flag.Date, Winner: flag.Winner, NeedRemaining: shortfall, Unreachable: true})
			}
		}
	}

	if err := checkPlanInvariants(plan, flags); err != nil {
		return nil, err
	}
	logger.Info("PLAN", fmt.Sprintf("%s/%s: %d rows from %d flags", dataset, segment, len(plan.Rows), len(flags)))
	return plan, nil
}

// stageAuto walks the predicate-flagged candidates in severity order,
// removing each pair's proposed quantity until the need is met.
func stageAuto(rows []EnrichedRow, need int, th config.Thresholds) []PlanRow {
	var candidates []EnrichedRow
	for _, r := range rows {
		if !(r.PairOutlierPos || r.PctOutlierPos || r.RarePair || r.NewPair) {
			continue
		}
		if r.PairWinsCurrent < th.AutoMinWins {
			continue
		}
		candidates = append(candidates, r)
	}

	// Severity order: z descending; pairs with no z (new pairs) sort after
	// any numeric z, then by current wins descending.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.PairZValid != b.PairZValid {
			return a.PairZValid
		}
		if a.PairZValid && a.PairZ != b.PairZ {
			return a.PairZ > b.PairZ
		}
		if a.PairWinsCurrent != b.PairWinsCurrent {
			return a.PairWinsCurrent > b.PairWinsCurrent
		}
		if a.Loser != b.Loser {
			return a.Loser < b.Loser
		}
		return a.DMA < b.DMA
	})

	var out []PlanRow
	cum := 0
	for _, c := range candidates {
		if cum >= need {
			break
		}
		var proposed int
		if c.NewPair || c.PairMuWins < th.RarePairVolumeThreshold {
			// Rare or new pair: the baseline is small or absent, the whole
			// volume is suspect.
			proposed = int(math.Ceil(c.PairWinsCurrent))
		} else {
			proposed = int(math.Ceil(math.Max(0, c.PairWinsCurrent-c.PairMuWins)))
		}
		if ceiling := int(c.PairWinsCurrent); proposed > ceiling {
			proposed = ceiling
		}
		rm := proposed
		if left := need - cum; rm > left {
			rm = left
		}
		if rm <= 0 {
			continue
		}
		cum += rm
		out = append(out, planRowFrom(c, rm, StageAuto))
	}
	return out
}

// stageDistributed spreads the remaining need proportionally to capacity
// across pairs not already emitted by stage 1, with largest-remainder
// reconciliation. shortfall is the part of needRemaining no capacity could
// absorb (the full amount when no pair clears the minimum).
func stageDistributed(rows []EnrichedRow, autoRows []PlanRow, needRemaining int, th config.Thresholds) ([]PlanRow, int) {
	inAuto := make(map[string]bool, len(autoRows))
	for _, r := range autoRows {
		inAuto[fmt.Sprintf("%s|%d", r.Loser, r.DMA)] = true
	}
	var eligible []EnrichedRow
	for _, r := range rows {
		if inAuto[fmt.Sprintf("%s|%d", r.Loser, r.DMA)] {
			continue
		}
		// Eligibility is per pair: many one-win pairs in a busy DMA do not
		// aggregate into eligibility.
		if r.PairWinsCurrent < th.DistributedMinWins {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil, needRemaining
	}

	// Descending capacity, the stage's emission order.
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.PairWinsCurrent != b.PairWinsCurrent {
			return a.PairWinsCurrent > b.PairWinsCurrent
		}
		if a.Loser != b.Loser {
			return a.Loser < b.Loser
		}
		return a.DMA < b.DMA
	})

	var totalCap float64
	caps := make([]int, len(eligible))
	for i, r := range eligible {
		caps[i] = int(r.PairWinsCurrent)
		totalCap += r.PairWinsCurrent
	}
	target := needRemaining
	if int(totalCap) < target {
		target = int(totalCap)
	}

	alloc := make([]int, len(eligible))
	frac := make([]float64, len(eligible))
	sum := 0
	for i, r := range eligible {
		exact := r.PairWinsCurrent / totalCap * float64(needRemaining)
		alloc[i] = int(math.Round(exact))
		frac[i] = exact - math.Floor(exact)
		if alloc[i] > caps[i] {
			alloc[i] = caps[i]
		}
		sum += alloc[i]
	}

	// Largest-remainder reconciliation: nudge allocations by +/-1 in
	// fractional-part order until the stage total matches the target.
	order := make([]int, len(eligible))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		if frac[order[i]] != frac[order[j]] {
			return frac[order[i]] > frac[order[j]]
		}
		return order[i] < order[j]
	})
	for sum < target {
		moved := false
		for _, i := range order {
			if sum >= target {
				break
			}
			if alloc[i] < caps[i] {
				alloc[i]++
				sum++
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	for sum > target {
		moved := false
		for k := len(order) - 1; k >= 0 && sum > target; k-- {
			i := order[k]
			if alloc[i] > 0 {
				alloc[i]--
				sum--
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	var out []PlanRow
	for i, r := range eligible {
		if alloc[i] <= 0 {
			continue
		}
		out = append(out, planRowFrom(r, alloc[i], StageDistributed))
	}
	shortfall := needRemaining - sum
	if shortfall < 0 {
		shortfall = 0
	}
	return out, shortfall
}

func planRowFrom(r EnrichedRow, removeUnits int, stage string) PlanRow {
	return PlanRow{
		Date:        r.Date,
		Winner:      r.Winner,
		Loser:       r.Loser,
		DMA:         r.DMA,
		DMAName:     r.DMAName,
		State:       r.State,
		RemoveUnits: removeUnits,
		Stage:       stage,
		Impact:      r.Impact,
		PairWins:    r.PairWinsCurrent,
		PairMu:      r.PairMuWins,
		PairSigma:   r.PairSigmaWins,
		PairZ:       sanitizeFloat(r.PairZ),
		PairPct:     sanitizeFloat(r.PairPctChange),
		DMAWins:     r.DMAWins,
		PairShare:   r.PairShare,
		NatWins:     r.NatTotalWins,
		NatShare:    r.NatShareCurrent,
		NatMuShare:  r.NatMuShare,
		NatZ:        sanitizeFloat(r.NatZScore),
	}
}

// checkPlanInvariants verifies the assembly invariants before the plan is
// handed back: per-row bounds, per-flag totals, key uniqueness.
func checkPlanInvariants(plan *Plan, flags []OutlierFlag) error {
	needs := make(map[string]int, len(flags))
	for _, f := range flags {
		needs[f.Date+"|"+f.Winner] = Need(f)
	}
	totals := make(map[string]int)
	seen := make(map[string]bool, len(plan.Rows))
	for _, r := range plan.Rows {
		if r.RemoveUnits <= 0 || float64(r.RemoveUnits) > r.PairWins {
			return fmt.Errorf("plan row %s/%s/%s/%d: remove_units %d outside (0, %v]",
				r.Date, r.Winner, r.Loser, r.DMA, r.RemoveUnits, r.PairWins)
		}
		key := fmt.Sprintf("%s|%s|%s|%d|%s", r.Date, r.Winner, r.Loser, r.DMA, r.Stage)
		if seen[key] {
			return fmt.Errorf("plan row %s duplicated", key)
		}
		seen[key] = true
		totals[r.Date+"|"+r.Winner] += r.RemoveUnits
	}
	for key, total := range totals {
		if need, ok := needs[key]; ok && total > need {
			return fmt.Errorf("plan for %s removes %d, need was %d", key, total, need)
		}
	}
	return nil
}
