// Package api exposes the engine's five core callables over HTTP JSON for a
// dashboard collaborator: scan, enrich, plan, save, preview, plus cube
// ingest and catalog endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"h2h-suppress/internal/config"
	"h2h-suppress/internal/db"
	"h2h-suppress/internal/engine"
	"h2h-suppress/internal/rounds"
)

// scanCacheTTL bounds how long a scan result may be served from cache.
// Dashboard refreshes re-request identical parameters in bursts; the cube
// only changes on ingest, which clears the cache.
const scanCacheTTL = 5 * time.Minute

type scanCacheEntry struct {
	flags []engine.OutlierFlag
	at    time.Time
}

// Server wires the engine, cube store and rounds store behind an HTTP mux.
// defaults is the threshold set requests fall back to when their body omits
// one; it comes from the operator's -config file, or config.Default().
type Server struct {
	db       *db.DB
	engine   *engine.Engine
	rounds   *rounds.Store
	defaults config.Thresholds

	scanCacheMu sync.RWMutex
	scanCache   map[string]scanCacheEntry
	scanGroup   singleflight.Group
}

// NewServer creates a Server over an open database and rounds store.
// defaults becomes the fallback threshold set for every request.
func NewServer(database *db.DB, roundsStore *rounds.Store, defaults config.Thresholds) *Server {
	return &Server{
		db:        database,
		engine:    engine.NewEngine(database),
		rounds:    roundsStore,
		defaults:  defaults,
		scanCache: make(map[string]scanCacheEntry),
	}
}

// Routes returns the HTTP handler for the API surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cubes", s.handleCubes)
	mux.HandleFunc("/api/scan", s.handleScan)
	mux.HandleFunc("/api/enriched", s.handleEnriched)
	mux.HandleFunc("/api/plan", s.handlePlan)
	mux.HandleFunc("/api/rounds", s.handleRounds)
	mux.HandleFunc("/api/preview", s.handlePreview)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps typed engine/store failures onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		missing   *db.CubeMissingError
		unread    *db.CubeUnreadableError
		integrity *db.CubeIntegrityError
		threshold *config.ThresholdError
		exists    *rounds.RoundExistsError
	)
	switch {
	case errors.As(err, &missing):
		status = http.StatusNotFound
	case errors.As(err, &unread):
		status = http.StatusServiceUnavailable
	case errors.As(err, &integrity):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &threshold):
		status = http.StatusBadRequest
	case errors.As(err, &exists):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body: " + err.Error()})
		return false
	}
	return true
}

// scanRequest is the shared parameter block for scan/enriched/plan calls.
// Thresholds is pre-seeded with defaults before decoding, so a partial
// thresholds object only overrides the keys it names.
type scanRequest struct {
	Dataset         string             `json:"dataset"`
	Segment         string             `json:"segment"`
	Start           string             `json:"start"`
	End             string             `json:"end"`
	IncludeNegative bool               `json:"include_negative"`
	Thresholds      *config.Thresholds `json:"thresholds"`
}

// newScanRequest pre-seeds the request with the server's default
// thresholds; decoding then overrides only the keys the body names.
func (s *Server) newScanRequest() scanRequest {
	def := s.defaults
	return scanRequest{Thresholds: &def}
}

func (req *scanRequest) thresholds() config.Thresholds {
	if req.Thresholds != nil {
		return *req.Thresholds
	}
	return config.Default()
}

func (req *scanRequest) scanParams() engine.ScanParams {
	return engine.ScanParams{
		Dataset:         req.Dataset,
		Segment:         req.Segment,
		Start:           req.Start,
		End:             req.End,
		IncludeNegative: req.IncludeNegative,
	}
}

// cachedScan runs the national scan behind the TTL cache and singleflight,
// so concurrent dashboard refreshes share one database pass.
func (s *Server) cachedScan(req *scanRequest) ([]engine.OutlierFlag, error) {
	keyBytes, _ := json.Marshal(req)
	key := string(keyBytes)

	s.scanCacheMu.RLock()
	entry, ok := s.scanCache[key]
	s.scanCacheMu.RUnlock()
	if ok && time.Since(entry.at) < scanCacheTTL {
		return entry.flags, nil
	}

	v, err, _ := s.scanGroup.Do(key, func() (interface{}, error) {
		flags, err := s.engine.ScanBaseOutliers(req.scanParams(), req.thresholds())
		if err != nil {
			return nil, err
		}
		s.scanCacheMu.Lock()
		s.scanCache[key] = scanCacheEntry{flags: flags, at: time.Now()}
		s.scanCacheMu.Unlock()
		return flags, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]engine.OutlierFlag), nil
}

func (s *Server) invalidateScanCache() {
	s.scanCacheMu.Lock()
	s.scanCache = make(map[string]scanCacheEntry)
	s.scanCacheMu.Unlock()
}

// ingestRequest replaces one cube table with canonical-schema rows. The
// vendor-schema normalizer is an external collaborator; this endpoint only
// accepts rows already in cube shape.
type ingestRequest struct {
	Dataset    string             `json:"dataset"`
	Segment    string             `json:"segment"`
	Metric     string             `json:"metric"`
	Census     bool               `json:"census"`
	Rows       []db.CubeRow       `json:"rows"`
	CensusRows []db.CensusCubeRow `json:"census_rows"`
}

func (s *Server) handleCubes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		infos, err := s.db.ListCubes()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, infos)
	case http.MethodPost:
		var req ingestRequest
		if !readJSON(w, r, &req) {
			return
		}
		var err error
		if req.Census {
			err = s.db.PutCensusCube(req.Dataset, req.Segment, req.Metric, req.CensusRows)
		} else {
			err = s.db.PutCube(req.Dataset, req.Segment, req.Metric, req.Rows)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		s.invalidateScanCache()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := s.newScanRequest()
	if !readJSON(w, r, &req) {
		return
	}
	flags, err := s.cachedScan(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *Server) handleEnriched(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := s.newScanRequest()
	if !readJSON(w, r, &req) {
		return
	}
	flags, err := s.cachedScan(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	enriched, err := s.engine.BuildEnrichedCube(flags, req.Dataset, req.Segment, req.thresholds())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flags": flags, "enriched": enriched})
}

// planRequest runs the full scan -> enrich -> plan pipeline, optionally
// refining against the census cube and persisting the result as a round.
type planRequest struct {
	scanRequest
	Refine    bool   `json:"refine"`
	RefineTop int    `json:"refine_top_k"`
	RoundName string `json:"round_name"`
	Overwrite bool   `json:"overwrite"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := planRequest{scanRequest: s.newScanRequest()}
	if !readJSON(w, r, &req) {
		return
	}
	th := req.thresholds()
	flags, err := s.cachedScan(&req.scanRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	enriched, err := s.engine.BuildEnrichedCube(flags, req.Dataset, req.Segment, th)
	if err != nil {
		writeError(w, err)
		return
	}
	plan, err := s.engine.BuildPlan(flags, enriched, req.Dataset, req.Segment, th)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Refine {
		topK := req.RefineTop
		if topK == 0 {
			topK = 5
		}
		plan, err = s.engine.RefineWithCensusBlocks(plan, th, topK)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	resp := map[string]interface{}{"plan": plan}
	if req.RoundName != "" {
		path, err := s.rounds.Save(plan, req.RoundName, req.Overwrite)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["saved_to"] = path
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	metas, err := s.rounds.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if metas == nil {
		metas = []rounds.Meta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

// previewRequest reconstructs base and suppressed share series from either a
// saved round or an inline plan.
type previewRequest struct {
	Dataset   string       `json:"dataset"`
	Segment   string       `json:"segment"`
	Start     string       `json:"start"`
	End       string       `json:"end"`
	Carriers  []string     `json:"carriers"`
	RoundName string       `json:"round_name"`
	Plan      *engine.Plan `json:"plan"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req previewRequest
	if !readJSON(w, r, &req) {
		return
	}
	plan := req.Plan
	if plan == nil && req.RoundName != "" {
		loaded, err := s.rounds.Load(req.RoundName)
		if err != nil {
			writeError(w, err)
			return
		}
		plan = loaded
	}
	result, err := s.engine.Preview(plan, engine.PreviewParams{
		Dataset:  req.Dataset,
		Segment:  req.Segment,
		Start:    req.Start,
		End:      req.End,
		Carriers: req.Carriers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
