package engine

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"h2h-suppress/internal/db"
)

// PreviewParams selects the reconstruction scope. Carriers limits the output
// series; empty means every carrier in the cube. Shares are always computed
// against the full market, not the selected subset.
type PreviewParams struct {
	Dataset  string
	Segment  string
	Start    string
	End      string
	Carriers []string
}

// Preview reconstructs national win-share series twice: from the untouched
// cube, and with the plan's removals applied virtually at read time. The
// market total is recomputed from the reduced wins, so the suppressed share
// reflects both the smaller numerator and the smaller denominator. The cube
// itself is never written.
func (e *Engine) Preview(plan *Plan, p PreviewParams) (*PreviewResult, error) {
	table, err := db.CubeTable(p.Dataset, "win", p.Segment)
	if err != nil {
		return nil, err
	}
	if err := e.DB.RequireTable(table); err != nil {
		return nil, err
	}

	var (
		natWins map[natKey]float64
		dates   []string
		ranked  []string
	)

	var g errgroup.Group
	g.Go(func() error {
		var err error
		natWins, dates, err = e.aggregateNational(table, p.Start, p.End)
		return err
	})
	g.Go(func() error {
		var err error
		ranked, err = e.carriersByAllTimeWins(table)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Removals per (date, winner), floored at each row's current wins by the
	// plan invariants, and per date for the market recomputation.
	removedByCarrier := make(map[natKey]float64)
	removedByDate := make(map[string]float64)
	if plan != nil {
		for _, r := range plan.Rows {
			if p.Start != "" && r.Date < p.Start {
				continue
			}
			if p.End != "" && r.Date > p.End {
				continue
			}
			removedByCarrier[natKey{r.Date, r.Winner}] += float64(r.RemoveUnits)
			removedByDate[r.Date] += float64(r.RemoveUnits)
		}
	}

	marketBase := make(map[string]float64, len(dates))
	for key, wins := range natWins {
		marketBase[key.date] += wins
	}

	selected := p.Carriers
	if len(selected) == 0 {
		selected = ranked
	} else {
		// Keep the caller's carriers but in rank order for stable colors.
		want := make(map[string]bool, len(selected))
		for _, c := range selected {
			want[c] = true
		}
		selected = selected[:0]
		for _, c := range ranked {
			if want[c] {
				selected = append(selected, c)
			}
		}
	}

	result := &PreviewResult{
		Carriers:   selected,
		Base:       make(map[string][]SharePoint, len(selected)),
		Suppressed: make(map[string][]SharePoint, len(selected)),
	}
	for _, carrier := range selected {
		var base, suppressed []SharePoint
		for _, date := range dates {
			wins, ok := natWins[natKey{date, carrier}]
			if !ok {
				continue
			}
			market := marketBase[date]
			bp := SharePoint{Date: date, Wins: wins, MarketWins: market}
			if market > 0 {
				bp.Share = wins / market
			}
			base = append(base, bp)

			supWins := wins - removedByCarrier[natKey{date, carrier}]
			if supWins < 0 {
				supWins = 0
			}
			supMarket := market - removedByDate[date]
			sp := SharePoint{Date: date, Wins: supWins, MarketWins: supMarket}
			if supMarket > 0 {
				sp.Share = supWins / supMarket
			}
			suppressed = append(suppressed, sp)
		}
		result.Base[carrier] = base
		result.Suppressed[carrier] = suppressed
	}
	return result, nil
}

// natKey addresses one carrier-day of the national aggregate.
type natKey struct{ date, winner string }

func (e *Engine) aggregateNational(table, start, end string) (map[natKey]float64, []string, error) {
	query := fmt.Sprintf("SELECT date, winner, SUM(total_wins) FROM %s", table)
	var args []interface{}
	switch {
	case start != "" && end != "":
		query += " WHERE date >= ? AND date <= ?"
		args = append(args, start, end)
	case start != "":
		query += " WHERE date >= ?"
		args = append(args, start)
	case end != "":
		query += " WHERE date <= ?"
		args = append(args, end)
	}
	query += " GROUP BY date, winner ORDER BY date"

	rows, err := e.DB.Query(query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	natWins := make(map[natKey]float64)
	dateSet := make(map[string]bool)
	for rows.Next() {
		var date, winner string
		var wins float64
		if err := rows.Scan(&date, &winner, &wins); err != nil {
			return nil, nil, fmt.Errorf("scan preview row: %w", err)
		}
		natWins[natKey{date, winner}] = wins
		dateSet[date] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return natWins, dates, nil
}

// carriersByAllTimeWins ranks every carrier by summed wins over the whole
// cube, the stable ordering used for chart color assignment.
func (e *Engine) carriersByAllTimeWins(table string) ([]string, error) {
	rows, err := e.DB.Query(fmt.Sprintf(
		"SELECT winner FROM %s GROUP BY winner ORDER BY SUM(total_wins) DESC, winner ASC", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var carriers []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		carriers = append(carriers, c)
	}
	return carriers, rows.Err()
}
