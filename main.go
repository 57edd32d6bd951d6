package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"h2h-suppress/internal/api"
	"h2h-suppress/internal/config"
	"h2h-suppress/internal/db"
	"h2h-suppress/internal/logger"
	"h2h-suppress/internal/rounds"
)

var version = "dev"

func main() {
	dbPath := flag.String("db", "h2h.db", "path to the cube database file")
	roundsDir := flag.String("rounds", "rounds", "directory for persisted suppression rounds")
	listen := flag.String("listen", "127.0.0.1:13380", "HTTP listen address")
	configPath := flag.String("config", "", "optional YAML thresholds file (validated at startup)")
	listCubes := flag.Bool("list-cubes", false, "print the cube catalog and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	logger.Banner(version)

	thresholds := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			logger.Error("MAIN", fmt.Sprintf("Bad thresholds file: %v", err))
			os.Exit(1)
		}
		thresholds = loaded
		logger.Info("MAIN", fmt.Sprintf("Thresholds loaded from %s (nat_z=%.2f, top_n=%d)",
			*configPath, thresholds.NatZThreshold, thresholds.TopNCarriers))
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		logger.Error("MAIN", fmt.Sprintf("Open database: %v", err))
		os.Exit(1)
	}
	defer database.Close()

	if *listCubes {
		if err := printCubeCatalog(database); err != nil {
			logger.Error("MAIN", fmt.Sprintf("List cubes: %v", err))
			os.Exit(1)
		}
		return
	}

	store, err := rounds.NewStore(*roundsDir)
	if err != nil {
		logger.Error("MAIN", fmt.Sprintf("Rounds store: %v", err))
		os.Exit(1)
	}

	server := api.NewServer(database, store, thresholds)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("MAIN", fmt.Sprintf("Serving on http://%s", *listen))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("MAIN", fmt.Sprintf("Server: %v", err))
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("MAIN", fmt.Sprintf("Received %v, shutting down", sig))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("MAIN", fmt.Sprintf("Shutdown: %v", err))
		}
	}
	logger.Success("MAIN", "Stopped")
}

func printCubeCatalog(database *db.DB) error {
	infos, err := database.ListCubes()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		logger.Warn("MAIN", "No cubes ingested yet")
		return nil
	}
	logger.Section("Cube catalog")
	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"cube", "rows", "from", "to"})
	for _, info := range infos {
		table.Append([]string{info.Name, strconv.FormatInt(info.RowCount, 10), info.MinDate, info.MaxDate})
	}
	table.Render()
	return nil
}
