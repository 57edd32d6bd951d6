package engine

import (
	"fmt"
	"sort"

	"h2h-suppress/internal/config"
	"h2h-suppress/internal/db"
	"h2h-suppress/internal/logger"
)

// ScanParams selects the cube and analysis window for a national outlier scan.
type ScanParams struct {
	Dataset string
	Segment string
	Start   string // inclusive ISO date, "" = unbounded
	End     string // inclusive ISO date, "" = unbounded
	// IncludeNegative admits negative-side anomalies (z <= -threshold,
	// impact < 0) alongside the default positive-side scan.
	IncludeNegative bool
}

// natDay is one point of a carrier's national time series.
type natDay struct {
	date    string
	jd      int
	dayType string
	wins    float64
	market  float64
	share   float64
}

// ScanBaseOutliers aggregates the win cube to (date, carrier), computes
// day-type-partitioned tiered baselines for each carrier's national wins and
// share series, and emits flags where the z-score clears the national
// threshold. Admission is two-tier: top-N carriers by all-time share, plus
// any carrier whose single-day impact is egregious.
func (e *Engine) ScanBaseOutliers(p ScanParams, th config.Thresholds) ([]OutlierFlag, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if p.Start != "" && p.End != "" && p.Start > p.End {
		return []OutlierFlag{}, nil
	}

	topN, err := e.DB.TopCarriers(p.Dataset, p.Segment, th.TopNCarriers, th.MinSharePct)
	if err != nil {
		return nil, err
	}
	admitted := make(map[string]bool, len(topN))
	for _, c := range topN {
		admitted[c] = true
	}

	series, err := e.nationalSeries(p.Dataset, p.Segment)
	if err != nil {
		return nil, err
	}

	var flags []OutlierFlag
	for winner, days := range series {
		for i := range days {
			d := &days[i]
			if p.Start != "" && d.date < p.Start {
				continue
			}
			if p.End != "" && d.date > p.End {
				continue
			}
			flag, ok := nationalBaseline(days[:i], *d)
			if !ok {
				continue // InsufficientBaseline: silently excluded
			}
			flag.Winner = winner
			if !(flag.NatZScore >= th.NatZThreshold && flag.Impact > 0) {
				if !p.IncludeNegative {
					continue
				}
				if !(flag.NatZScore <= -th.NatZThreshold && flag.Impact < 0) {
					continue
				}
			}
			if !admitted[winner] && absInt(flag.Impact) <= int(th.EgregiousImpact) {
				continue
			}
			flags = append(flags, flag)
		}
	}

	sort.Slice(flags, func(i, j int) bool {
		if flags[i].Date != flags[j].Date {
			return flags[i].Date < flags[j].Date
		}
		if flags[i].Impact != flags[j].Impact {
			return flags[i].Impact > flags[j].Impact
		}
		return flags[i].Winner < flags[j].Winner
	})
	logger.Info("SCAN", fmt.Sprintf("%s/%s: %d flags in [%s, %s]", p.Dataset, p.Segment, len(flags), p.Start, p.End))
	return flags, nil
}

// nationalSeries aggregates the win cube to per-carrier national series with
// per-date market totals and shares, ordered by date.
func (e *Engine) nationalSeries(dataset, segment string) (map[string][]natDay, error) {
	table, err := db.CubeTable(dataset, "win", segment)
	if err != nil {
		return nil, err
	}
	if err := e.DB.RequireTable(table); err != nil {
		return nil, err
	}
	rows, err := e.DB.Query(fmt.Sprintf(`
		SELECT date, day_of_week, CAST(julianday(date) AS INTEGER), winner, SUM(total_wins)
		  FROM %s
		 GROUP BY date, winner
		 ORDER BY date`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	series := make(map[string][]natDay)
	market := make(map[string]float64)
	for rows.Next() {
		var d natDay
		var dow int
		var winner string
		if err := rows.Scan(&d.date, &dow, &d.jd, &winner, &d.wins); err != nil {
			return nil, fmt.Errorf("scan national row: %w", err)
		}
		d.dayType = DayType(dow)
		series[winner] = append(series[winner], d)
		market[d.date] += d.wins
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, days := range series {
		for i := range days {
			days[i].market = market[days[i].date]
			if days[i].market > 0 {
				days[i].share = days[i].wins / days[i].market
			}
		}
	}
	return series, nil
}

// nationalBaseline computes the tiered same-day-type baseline for one
// national observation from the strictly-preceding series. ok is false when
// no tier has enough samples, or when the baseline is perfectly flat and the
// observation equals it; a flat baseline with a deviation floors the stddev.
func nationalBaseline(prior []natDay, d natDay) (OutlierFlag, bool) {
	minN := MinPeriods(d.dayType)
	for _, w := range Windows {
		var wins, shares []float64
		lo := d.jd - w
		for i := len(prior) - 1; i >= 0; i-- {
			p := prior[i]
			if p.jd < lo {
				break // prior is date-ordered; everything earlier is out of window
			}
			if p.jd >= d.jd || p.dayType != d.dayType {
				continue
			}
			wins = append(wins, p.wins)
			shares = append(shares, p.share)
		}
		if len(wins) < minN {
			continue
		}
		avg := mean(wins)
		sd := stdDev(wins)
		flag := OutlierFlag{
			Date:            d.date,
			DayType:         d.dayType,
			NatTotalWins:    d.wins,
			MarketWins:      d.market,
			BaselineWins:    avg,
			StdDevWins:      sd,
			NPeriods:        len(wins),
			SelectedWindow:  w,
			Impact:          roundImpact(d.wins - avg),
			NatShareCurrent: d.share,
			NatMuShare:      mean(shares),
		}
		if sd <= 0 {
			if d.wins == avg {
				return flag, false
			}
			// Flat baseline with a deviation: any excess is maximally
			// surprising. Floor the stddev so z stays a finite float.
			sd = zeroStdDevFloor
		}
		flag.NatZScore = (d.wins - avg) / sd
		return flag, true
	}
	return OutlierFlag{}, false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
