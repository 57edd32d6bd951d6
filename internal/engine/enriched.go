package engine

import (
	"fmt"
	"sort"

	"h2h-suppress/internal/config"
	"h2h-suppress/internal/logger"
)

// BuildEnrichedCube materializes, for every flagged (date, winner), the join
// of pair-level rolling metrics with the flag's national aggregates: one row
// per (date, winner, loser, dma). Pairs with zero current wins are omitted.
func (e *Engine) BuildEnrichedCube(flags []OutlierFlag, dataset, segment string, th config.Thresholds) ([]EnrichedRow, error) {
	if len(flags) == 0 {
		return []EnrichedRow{}, nil
	}

	flagged := make(map[string]*OutlierFlag, len(flags))
	dateSet := make(map[string]bool)
	winnerSet := make(map[string]bool)
	for i := range flags {
		f := &flags[i]
		flagged[f.Date+"|"+f.Winner] = f
		dateSet[f.Date] = true
		winnerSet[f.Winner] = true
	}
	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	winners := make([]string, 0, len(winnerSet))
	for w := range winnerSet {
		winners = append(winners, w)
	}

	rolling, err := e.Rolling(dataset, segment, th, RollingFilter{Dates: dates, Winners: winners})
	if err != nil {
		return nil, err
	}

	// Winner's per-DMA totals for pair_share denominators.
	dmaWins := make(map[string]float64)
	for _, r := range rolling {
		if flagged[r.Date+"|"+r.Winner] != nil {
			dmaWins[r.Date+"|"+r.Winner+"|"+r.DMAName] += r.TotalWins
		}
	}

	var out []EnrichedRow
	for _, r := range rolling {
		flag := flagged[r.Date+"|"+r.Winner]
		if flag == nil || r.TotalWins <= 0 {
			continue
		}
		row := EnrichedRow{
			Date:            r.Date,
			Winner:          r.Winner,
			Loser:           r.Loser,
			DMA:             r.DMA,
			DMAName:         r.DMAName,
			State:           r.State,
			PairWinsCurrent: r.TotalWins,
			PairMuWins:      r.AvgWins,
			PairSigmaWins:   r.StdDevWins,
			PairZ:           r.ZScore,
			PairZValid:      r.ZValid,
			PairPctChange:   r.PctChange,
			PairPctValid:    r.PctValid,
			PairBaseline:    r.SelectedWindow != 0,
			PairOutlierPos:  r.IsZOutlier,
			PctOutlierPos:   r.IsPctOutlier,
			RarePair:        r.IsRarePair,
			NewPair:         r.IsFirstAppearance,
			DMAWins:         dmaWins[r.Date+"|"+r.Winner+"|"+r.DMAName],
			Impact:          flag.Impact,
			NatTotalWins:    flag.NatTotalWins,
			NatShareCurrent: flag.NatShareCurrent,
			NatMuShare:      flag.NatMuShare,
			NatZScore:       flag.NatZScore,
		}
		if row.DMAWins > 0 {
			row.PairShare = row.PairWinsCurrent / row.DMAWins
		}
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Winner != b.Winner {
			return a.Winner < b.Winner
		}
		if a.Loser != b.Loser {
			return a.Loser < b.Loser
		}
		return a.DMA < b.DMA
	})
	logger.Info("ENRICH", fmt.Sprintf("%d flags -> %d pair rows", len(flags), len(out)))
	return out, nil
}
