package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/airwatch/internal/api"
	"github.com/lox/airwatch/internal/forecast"
	"github.com/lox/airwatch/internal/ingest"
	"github.com/lox/airwatch/internal/models"
	"github.com/lox/airwatch/internal/store"
)

type Globals struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to a .env file with AIRWATCH_* settings.'"`

	DBDriver string `name:"db-driver" env:"AIRWATCH_DB_DRIVER" default:"sqlite" enum:"sqlite,pgx" help:"Database driver (sqlite or pgx)."`
	DB       string `name:"db" env:"AIRWATCH_DB" default:"data/airwatch.db" help:"SQLite path or PostgreSQL DSN."`

	LagModel      string `name:"lag-model" env:"AIRWATCH_LAG_MODEL" help:"Lag regression model (path or URL)."`
	Encoder       string `name:"encoder" env:"AIRWATCH_ENCODER" help:"Pollutant encoder (path or URL)."`
	QualityModels string `name:"quality-models" env:"AIRWATCH_QUALITY_MODELS" help:"Severity centroid models (path or URL)."`
	StatusWindow  int    `name:"status-window" env:"AIRWATCH_STATUS_WINDOW" default:"100" help:"Recent observations inspected when computing status."`
	OpenAIKey     string `name:"openai-key" env:"OPENAI_API_KEY" help:"Enables AI-written status descriptions."`
}

type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP API and the report poller."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest report files."`
	Forecast ForecastCmd `cmd:"" help:"Print a forecast for a location."`
	Status   StatusCmd   `cmd:"" help:"Print the current air quality status for a location."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("airwatch"),
		kong.Description("Air pollution report ingestion, forecasting and status."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func (g *Globals) openStore(ctx context.Context) (*store.Store, error) {
	if g.DBDriver == store.DriverSQLite {
		if dir := filepath.Dir(g.DB); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	st, err := store.Open(g.DBDriver, g.DB)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (g *Globals) loadModels(ctx context.Context, st *store.Store) (*forecast.Artifacts, *forecast.Classifier) {
	artifacts := forecast.LoadArtifacts(ctx, forecast.ArtifactPaths{
		LagModel:      g.LagModel,
		Encoder:       g.Encoder,
		QualityModels: g.QualityModels,
	})

	classifier := forecast.NewClassifier(st, artifacts, g.StatusWindow)
	if g.OpenAIKey != "" {
		if n, err := forecast.NewOpenAINarrator(g.OpenAIKey); err != nil {
			log.Printf("status narration disabled: %v", err)
		} else {
			classifier.SetNarrator(n)
		}
	}
	return artifacts, classifier
}

type ServeCmd struct {
	Port        string `name:"port" env:"AIRWATCH_PORT" default:"8080" help:"HTTP server port."`
	FTPAddr     string `name:"ftp-addr" env:"AIRWATCH_FTP_ADDR" help:"FTP server (host:port) publishing reports. Polling is off when empty."`
	FTPUser     string `name:"ftp-user" env:"AIRWATCH_FTP_USER" help:"FTP user (anonymous when empty)."`
	FTPPassword string `name:"ftp-password" env:"AIRWATCH_FTP_PASSWORD" help:"FTP password."`
	FTPDir      string `name:"ftp-dir" env:"AIRWATCH_FTP_DIR" default:"/" help:"Remote directory holding CSV reports."`
	Schedule    string `name:"fetch-schedule" env:"AIRWATCH_FETCH_SCHEDULE" default:"@hourly" help:"Cron schedule for report polling."`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Printf("database migrated (%s)", st.Driver())

	artifacts, classifier := g.loadModels(ctx, st)
	ingester := ingest.NewIngester(st, clockwork.NewRealClock())
	server := api.NewServer(st, c.Port, ingester, artifacts, classifier)

	if c.FTPAddr != "" {
		source := ingest.NewFTPSource(c.FTPAddr, c.FTPUser, c.FTPPassword, c.FTPDir)
		scheduler := ingest.NewScheduler(st, source, ingester, c.Schedule)
		go func() {
			if err := scheduler.Run(ctx); err != nil {
				log.Printf("scheduler: %v", err)
			}
		}()
	} else {
		log.Println("report polling disabled (no --ftp-addr)")
	}

	log.Printf("starting server on :%s", c.Port)
	return server.Run(ctx)
}

type IngestCmd struct {
	Files []string `arg:"" type:"existingfile" help:"Report files to ingest."`
}

func (c *IngestCmd) Run(g *Globals) error {
	ctx := context.Background()
	st, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	ingester := ingest.NewIngester(st, clockwork.NewRealClock())
	for _, path := range c.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := ingester.Ingest(ctx, data, filepath.Base(path))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: %d processed (%d inserted, %d updated), period %s\n",
			path, res.RowsProcessed, res.Inserted, res.Updated, res.Period)
	}
	return nil
}

type ForecastCmd struct {
	Location string `name:"location" required:"" help:"Location id or name."`
	From     string `name:"from" help:"First day (YYYY-MM-DD), default tomorrow."`
	To       string `name:"to" help:"Last day (YYYY-MM-DD), default a week from the first day."`
}

func (c *ForecastCmd) Run(g *Globals) error {
	ctx := context.Background()
	st, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	locationID, err := resolveLocation(ctx, st, c.Location)
	if err != nil {
		return err
	}

	from := models.Day(time.Now()).AddDate(0, 0, 1)
	if c.From != "" {
		if from, err = time.Parse(models.DateLayout, c.From); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	to := from.AddDate(0, 0, 6)
	if c.To != "" {
		if to, err = time.Parse(models.DateLayout, c.To); err != nil {
			return fmt.Errorf("--to: %w", err)
		}
	}

	artifacts, _ := g.loadModels(ctx, st)
	points, err := forecast.NewForecaster(st, artifacts).Forecast(ctx, locationID, from, to)
	if err != nil {
		return err
	}
	for _, p := range points {
		fmt.Printf("%s\t%s\t%.3f\n", p.Date.Format(models.DateLayout), p.Pollutant, p.Value)
	}
	return nil
}

type StatusCmd struct {
	Location string `name:"location" required:"" help:"Location id or name."`
}

func (c *StatusCmd) Run(g *Globals) error {
	ctx := context.Background()
	st, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	locationID, err := resolveLocation(ctx, st, c.Location)
	if err != nil {
		return err
	}

	_, classifier := g.loadModels(ctx, st)
	status, err := classifier.Status(ctx, locationID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	ctx := context.Background()
	st, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := st.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", v)
	return nil
}

// resolveLocation accepts a numeric id or a location name.
func resolveLocation(ctx context.Context, st *store.Store, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}

	locations, err := st.ListLocations(ctx)
	if err != nil {
		return 0, err
	}
	key := store.LocationKey(ref)
	for _, l := range locations {
		if store.LocationKey(l.Name) == key {
			return l.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown location %q", ref)
}
