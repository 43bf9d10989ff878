package forecast

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/lox/airwatch/internal/httputil"
	"github.com/lox/airwatch/internal/metrics"
)

// ArtifactPaths locate the model artifacts. Each may be a file path or an
// http(s) URL; empty means not configured.
type ArtifactPaths struct {
	LagModel      string
	Encoder       string
	QualityModels string
}

// Artifacts is the model state shared read-only by the forecaster and the
// classifier. It is built once at startup and never mutated.
type Artifacts struct {
	Regressor Regressor
	Encoder   *Encoder
	Quality   QualityModels

	// LagAvailable is set when both the regressor and the encoder loaded.
	LagAvailable     bool
	QualityAvailable bool
}

// LoadArtifacts loads every configured artifact. Failures are logged and
// leave the matching feature unavailable; they never abort startup.
func LoadArtifacts(ctx context.Context, paths ArtifactPaths) *Artifacts {
	a := &Artifacts{}

	if data, ok := loadArtifact(ctx, "lag_model", paths.LagModel); ok {
		if r, err := ParseRegressor(data); err != nil {
			artifactFailed("lag_model", paths.LagModel, err)
		} else {
			a.Regressor = r
			artifactLoaded("lag_model")
		}
	}

	if data, ok := loadArtifact(ctx, "encoder", paths.Encoder); ok {
		if e, err := ParseEncoder(data); err != nil {
			artifactFailed("encoder", paths.Encoder, err)
		} else {
			a.Encoder = e
			artifactLoaded("encoder")
		}
	}

	if data, ok := loadArtifact(ctx, "quality_models", paths.QualityModels); ok {
		if q, err := ParseQualityModels(data); err != nil {
			artifactFailed("quality_models", paths.QualityModels, err)
		} else {
			a.Quality = q
			artifactLoaded("quality_models")
		}
	}

	a.LagAvailable = a.Regressor != nil && a.Encoder != nil
	a.QualityAvailable = len(a.Quality) > 0

	log.Printf("forecast: artifacts loaded (lag model: %v, quality models: %d)", a.LagAvailable, len(a.Quality))
	return a
}

func loadArtifact(ctx context.Context, name, location string) ([]byte, bool) {
	if location == "" {
		log.Printf("forecast: %s not configured", name)
		metrics.ArtifactLoads.WithLabelValues(name, "missing").Inc()
		return nil, false
	}
	data, err := readArtifact(ctx, location)
	if err != nil {
		artifactFailed(name, location, err)
		return nil, false
	}
	return data, true
}

func readArtifact(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return httputil.Get(ctx, httputil.NewClient(), location, time.Minute)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

func artifactFailed(name, location string, err error) {
	log.Printf("forecast: failed to load %s from %s: %v", name, location, err)
	metrics.ArtifactLoads.WithLabelValues(name, "error").Inc()
}

func artifactLoaded(name string) {
	metrics.ArtifactLoads.WithLabelValues(name, "success").Inc()
}
