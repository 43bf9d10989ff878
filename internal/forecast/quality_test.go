package forecast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lox/airwatch/internal/models"
	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLatest struct {
	readings []models.LatestReading
	limit    int
}

func (f *fakeLatest) LatestObservations(ctx context.Context, locationID int64, limit int) ([]models.LatestReading, error) {
	f.limit = limit
	return f.readings, nil
}

func reading(code string, value float64) models.LatestReading {
	return models.LatestReading{Observation: models.Observation{Value: value}, PollutantCode: code}
}

var fiveLevels = []float64{10, 30, 60, 90, 120}

func qualityArtifacts(codes ...string) *Artifacts {
	q := make(QualityModels, len(codes))
	for _, code := range codes {
		q[code] = fiveLevels
	}
	return &Artifacts{Quality: q, QualityAvailable: true}
}

func TestRank(t *testing.T) {
	tests := []struct {
		value float64
		want  int
	}{
		{58, 2},
		{0, 0},
		{20, 0}, // equidistant from 10 and 30: first wins
		{44, 1},
		{1000, 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.value), func(t *testing.T) {
			assert.Equal(t, tt.want, Rank(fiveLevels, tt.value))
		})
	}

	assert.Equal(t, 4, Rank([]float64{1, 2, 3, 4, 5, 6, 7}, 7), "7 clusters clamp to 4")
	assert.Equal(t, 1, Rank([]float64{5, 50}, 45), "2 clusters")
}

func TestStatus_WorstCaseWins(t *testing.T) {
	store := &fakeLatest{readings: []models.LatestReading{
		reading("NO2", 25),  // rank 1
		reading("SO2", 95),  // rank 3
		reading("NO2", 500), // older value, ignored
	}}

	status, err := NewClassifier(store, qualityArtifacts("NO2", "SO2"), 0).Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Very Unhealthy", status.Label)
	assert.Equal(t, "#ff0000", status.Color)
	assert.Equal(t, 3, status.Rank)
	assert.Equal(t, "SO2", status.MainPollutant)
	assert.Contains(t, status.Description, "AI analysis")
	assert.Contains(t, status.Description, "SO2")
	assert.Equal(t, DefaultStatusWindow, store.limit)
}

func TestStatus_TieKeepsFirst(t *testing.T) {
	store := &fakeLatest{readings: []models.LatestReading{
		reading("PM10", 60),
		reading("NO2", 61),
	}}

	status, err := NewClassifier(store, qualityArtifacts("PM10", "NO2"), 10).Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Unhealthy", status.Label)
	assert.Equal(t, "PM10", status.MainPollutant)
}

func TestStatus_PollutantWithoutModelIsNeverMain(t *testing.T) {
	store := &fakeLatest{readings: []models.LatestReading{
		reading("CO", 9999),
		reading("NO2", 25),
	}}

	status, err := NewClassifier(store, qualityArtifacts("NO2"), 0).Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Rank)
	assert.Equal(t, "NO2", status.MainPollutant)
}

func TestStatus_AllGoodHasNoMainPollutant(t *testing.T) {
	store := &fakeLatest{readings: []models.LatestReading{
		reading("NO2", 12),
		reading("SO2", 8),
	}}

	status, err := NewClassifier(store, qualityArtifacts("NO2", "SO2"), 0).Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Good", status.Label)
	assert.Equal(t, 0, status.Rank)
	assert.Empty(t, status.MainPollutant)
	assert.NotContains(t, status.Description, "Main pollutant")
}

func TestStatus_NoModels(t *testing.T) {
	store := &fakeLatest{readings: []models.LatestReading{reading("NO2", 500)}}

	status, err := NewClassifier(store, nil, 0).Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Good", status.Label)
	assert.Equal(t, "#00e400", status.Color)
	assert.Empty(t, status.MainPollutant)
}

func TestStatus_QualityModelsUnavailable(t *testing.T) {
	store := &fakeLatest{readings: []models.LatestReading{reading("NO2", 500)}}
	artifacts := qualityArtifacts("NO2")
	artifacts.QualityAvailable = false

	status, err := NewClassifier(store, artifacts, 0).Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Good", status.Label)
	assert.Empty(t, status.MainPollutant)
}

func TestStatus_NoData(t *testing.T) {
	status, err := NewClassifier(&fakeLatest{}, nil, 0).Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Unknown", status.Label)
	assert.Equal(t, "#9e9e9e", status.Color)
	assert.Equal(t, -1, status.Rank)
	assert.Empty(t, status.MainPollutant)
}

type fakeNarrator struct {
	text string
	err  error
}

func (f fakeNarrator) Narrate(ctx context.Context, status models.Status, latest map[string]float64) (string, error) {
	return f.text, f.err
}

func TestStatus_Narrator(t *testing.T) {
	store := &fakeLatest{readings: []models.LatestReading{reading("NO2", 120)}}

	c := NewClassifier(store, qualityArtifacts("NO2"), 0)
	c.SetNarrator(fakeNarrator{text: "Stay indoors today."})
	status, err := c.Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Stay indoors today.", status.Description)

	c.SetNarrator(fakeNarrator{err: errors.New("quota exceeded")})
	status, err = c.Status(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, status.Description, "hazardous")
}

func TestOpenAINarrator(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Air is moderate; NO2 is the main concern.  "}}]}`)
	}))
	defer srv.Close()

	n, err := NewOpenAINarrator("test-key", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	text, err := n.Narrate(context.Background(), models.Status{Label: "Moderate", Rank: 1, MainPollutant: "NO2"}, map[string]float64{"NO2": 31})
	require.NoError(t, err)
	assert.Equal(t, "Air is moderate; NO2 is the main concern.", text)
	assert.Contains(t, gotBody, "NO2=31.00")

	_, err = NewOpenAINarrator("")
	assert.Error(t, err, "api key required")
}

func TestLoadArtifacts(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/encoder.json":
			fmt.Fprint(w, `{"classes":["NO2","SO2"]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := LoadArtifacts(context.Background(), ArtifactPaths{
		LagModel:      write("lag.json", `{"type":"linear","intercept":0,"coefficients":[0,1,0,0]}`),
		Encoder:       srv.URL + "/encoder.json",
		QualityModels: write("quality.json", `{"NO2":{"centroids":[90,10,60,30,120]},"CO":{"centroids":[]}}`),
	})
	require.True(t, a.LagAvailable)
	require.True(t, a.QualityAvailable)
	assert.Equal(t, []float64{10, 30, 60, 90, 120}, a.Quality["NO2"], "centroids sorted")
	assert.NotContains(t, a.Quality, "CO", "empty model dropped")

	missing := LoadArtifacts(context.Background(), ArtifactPaths{
		LagModel: write("lag2.json", `{"type":"linear","intercept":0,"coefficients":[0,1,0,0]}`),
		Encoder:  srv.URL + "/missing.json",
	})
	assert.False(t, missing.LagAvailable)
	assert.False(t, missing.QualityAvailable)
	assert.NotNil(t, missing.Regressor)
}
