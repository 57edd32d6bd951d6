package db

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"h2h-suppress/internal/logger"
)

// CubeRow is one pre-aggregated cell: (date, winner, loser, dma, state) with
// summed wins/losses and the count of underlying source records.
type CubeRow struct {
	Date        string  `json:"date"` // ISO-8601 calendar day
	Winner      string  `json:"winner"`
	Loser       string  `json:"loser"`
	DMA         int     `json:"dma"`
	DMAName     string  `json:"dma_name"`
	State       string  `json:"state"` // may be empty when the crosswalk is incomplete
	TotalWins   float64 `json:"total_wins"`
	TotalLosses float64 `json:"total_losses"`
	RecordCount int     `json:"record_count"`
}

// CensusCubeRow is the census-block-grained variant of CubeRow.
type CensusCubeRow struct {
	CubeRow
	CensusBlockID string `json:"census_block_id"`
}

// CubeInfo describes one ingested cube table for the catalog.
type CubeInfo struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
	MinDate  string `json:"min_date"`
	MaxDate  string `json:"max_date"`
}

const dateLayout = "2006-01-02"

// validateRow enforces the cube invariants on a single row. dayOfWeek is
// returned so the ingest can persist it without reparsing the date.
func validateRow(table string, i int, r CubeRow) (int, error) {
	t, err := time.Parse(dateLayout, r.Date)
	if err != nil {
		return 0, &CubeIntegrityError{Table: table, Row: i, Reason: fmt.Sprintf("bad date %q", r.Date)}
	}
	if r.Winner == "" || r.Loser == "" {
		return 0, &CubeIntegrityError{Table: table, Row: i, Reason: "null winner or loser"}
	}
	if r.Winner == r.Loser {
		return 0, &CubeIntegrityError{Table: table, Row: i, Reason: fmt.Sprintf("winner equals loser (%s)", r.Winner)}
	}
	if r.DMAName == "" {
		return 0, &CubeIntegrityError{Table: table, Row: i, Reason: "null dma_name"}
	}
	if r.TotalWins < 0 || r.TotalLosses < 0 {
		return 0, &CubeIntegrityError{Table: table, Row: i, Reason: "negative wins or losses"}
	}
	if r.RecordCount < 1 {
		return 0, &CubeIntegrityError{Table: table, Row: i, Reason: "record_count < 1"}
	}
	return int(t.Weekday()), nil // time.Sunday == 0, matching the cube convention
}

// PutCube atomically replaces a cube table with the given rows and rebuilds
// its indexes. Any invariant violation rolls the whole replace back.
func (d *DB) PutCube(dataset, segment, metric string, rows []CubeRow) error {
	table, err := CubeTable(dataset, metric, segment)
	if err != nil {
		return err
	}
	return d.replaceCube(table, dataset, metric, segment, len(rows), func(tx *sql.Tx) error {
		if _, err := tx.Exec(fmt.Sprintf(`
			CREATE TABLE %s (
				date         TEXT NOT NULL,
				day_of_week  INTEGER NOT NULL,
				winner       TEXT NOT NULL,
				loser        TEXT NOT NULL,
				dma          INTEGER NOT NULL,
				dma_name     TEXT NOT NULL,
				state        TEXT,
				total_wins   REAL NOT NULL,
				total_losses REAL NOT NULL,
				record_count INTEGER NOT NULL
			)`, table)); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		stmt, err := tx.Prepare(fmt.Sprintf(
			`INSERT INTO %s (date, day_of_week, winner, loser, dma, dma_name, state, total_wins, total_losses, record_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table))
		if err != nil {
			return fmt.Errorf("prepare insert %s: %w", table, err)
		}
		defer stmt.Close()
		for i, r := range rows {
			dow, err := validateRow(table, i, r)
			if err != nil {
				return err
			}
			state := sql.NullString{String: r.State, Valid: r.State != ""}
			if _, err := stmt.Exec(r.Date, dow, r.Winner, r.Loser, r.DMA, r.DMAName, state, r.TotalWins, r.TotalLosses, r.RecordCount); err != nil {
				return fmt.Errorf("insert %s row %d: %w", table, i, err)
			}
		}
		return indexCube(tx, table, fmt.Sprintf(
			`CREATE UNIQUE INDEX idx_%[1]s_key ON %[1]s(date, winner, loser, dma)`, table))
	})
}

// PutCensusCube atomically replaces a census-block-grained cube table.
func (d *DB) PutCensusCube(dataset, segment, metric string, rows []CensusCubeRow) error {
	table, err := CensusCubeTable(dataset, metric, segment)
	if err != nil {
		return err
	}
	return d.replaceCube(table, dataset, metric, segment, len(rows), func(tx *sql.Tx) error {
		if _, err := tx.Exec(fmt.Sprintf(`
			CREATE TABLE %s (
				date            TEXT NOT NULL,
				day_of_week     INTEGER NOT NULL,
				winner          TEXT NOT NULL,
				loser           TEXT NOT NULL,
				dma             INTEGER NOT NULL,
				dma_name        TEXT NOT NULL,
				state           TEXT,
				census_block_id TEXT NOT NULL,
				total_wins      REAL NOT NULL,
				total_losses    REAL NOT NULL,
				record_count    INTEGER NOT NULL
			)`, table)); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
		stmt, err := tx.Prepare(fmt.Sprintf(
			`INSERT INTO %s (date, day_of_week, winner, loser, dma, dma_name, state, census_block_id, total_wins, total_losses, record_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table))
		if err != nil {
			return fmt.Errorf("prepare insert %s: %w", table, err)
		}
		defer stmt.Close()
		for i, r := range rows {
			dow, err := validateRow(table, i, r.CubeRow)
			if err != nil {
				return err
			}
			if r.CensusBlockID == "" {
				return &CubeIntegrityError{Table: table, Row: i, Reason: "null census_block_id"}
			}
			state := sql.NullString{String: r.State, Valid: r.State != ""}
			if _, err := stmt.Exec(r.Date, dow, r.Winner, r.Loser, r.DMA, r.DMAName, state, r.CensusBlockID, r.TotalWins, r.TotalLosses, r.RecordCount); err != nil {
				return fmt.Errorf("insert %s row %d: %w", table, i, err)
			}
		}
		if err := indexCube(tx, table, fmt.Sprintf(
			`CREATE UNIQUE INDEX idx_%[1]s_key ON %[1]s(date, winner, loser, dma, census_block_id)`, table)); err != nil {
			return err
		}
		_, err = tx.Exec(fmt.Sprintf(`CREATE INDEX idx_%[1]s_block ON %[1]s(census_block_id)`, table))
		return err
	})
}

// indexCube builds the canonical index set: the unique key plus the four
// point-lookup indexes on (date), (winner, loser), (dma_name), (state).
func indexCube(tx *sql.Tx, table, uniqueStmt string) error {
	stmts := []string{
		uniqueStmt,
		fmt.Sprintf(`CREATE INDEX idx_%[1]s_date ON %[1]s(date)`, table),
		fmt.Sprintf(`CREATE INDEX idx_%[1]s_pair ON %[1]s(winner, loser)`, table),
		fmt.Sprintf(`CREATE INDEX idx_%[1]s_dma ON %[1]s(dma_name)`, table),
		fmt.Sprintf(`CREATE INDEX idx_%[1]s_state ON %[1]s(state)`, table),
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return &CubeIntegrityError{Table: table, Row: -1, Reason: "duplicate (date, winner, loser, dma) key"}
			}
			return fmt.Errorf("index %s: %w", table, err)
		}
	}
	return nil
}

func (d *DB) replaceCube(table, dataset, metric, segment string, rowCount int, build func(tx *sql.Tx) error) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", table, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	if err := build(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO ingest_log (table_name, dataset, metric, segment, row_count, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		table, dataset, metric, segment, rowCount, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("log ingest %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace %s: %w", table, err)
	}
	logger.Success("DB", fmt.Sprintf("Replaced %s (%d rows)", table, rowCount))
	return nil
}

// ListCubes returns the catalog of ingested cube tables with row counts and
// date ranges.
func (d *DB) ListCubes() ([]CubeInfo, error) {
	rows, err := d.sql.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND (name LIKE '%_cube' OR name LIKE '%_cube_census')`)
	if err != nil {
		return nil, fmt.Errorf("list cubes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)

	infos := make([]CubeInfo, 0, len(names))
	for _, name := range names {
		var info CubeInfo
		info.Name = name
		var minDate, maxDate sql.NullString
		err := d.sql.QueryRow(
			"SELECT COUNT(*), MIN(date), MAX(date) FROM "+name).Scan(&info.RowCount, &minDate, &maxDate)
		if err != nil {
			return nil, fmt.Errorf("stat cube %s: %w", name, err)
		}
		info.MinDate = minDate.String
		info.MaxDate = maxDate.String
		infos = append(infos, info)
	}
	return infos, nil
}

// TopCarriers returns the n carriers with the largest all-time summed wins
// whose share of the all-time market exceeds minSharePct (a percentage).
// Used to constrain the national scan to carriers that matter.
func (d *DB) TopCarriers(dataset, segment string, n int, minSharePct float64) ([]string, error) {
	table, err := CubeTable(dataset, "win", segment)
	if err != nil {
		return nil, err
	}
	if err := d.RequireTable(table); err != nil {
		return nil, err
	}
	rows, err := d.sql.Query(fmt.Sprintf(`
		WITH totals AS (
			SELECT winner, SUM(total_wins) AS wins
			  FROM %s
			 GROUP BY winner
		),
		market AS (SELECT SUM(wins) AS market_wins FROM totals)
		SELECT t.winner
		  FROM totals t, market m
		 WHERE m.market_wins > 0
		   AND t.wins * 100.0 / m.market_wins > ?
		 ORDER BY t.wins DESC, t.winner ASC
		 LIMIT ?`, table), minSharePct, n)
	if err != nil {
		return nil, fmt.Errorf("top carriers %s: %w", table, err)
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
