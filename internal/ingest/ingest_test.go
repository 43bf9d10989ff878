package ingest

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lox/airwatch/internal/models"
	"github.com/lox/airwatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, store.DriverSQLite)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw    string
		want   float64
		wantOK bool
	}{
		{"12.5", 12.5, true},
		{"12,5", 12.5, true},
		{" 7 ", 7, true},
		{"<0,05", 0.05, true},
		{">3", 3, true},
		{"<12.5", 12.5, true},
		{"", 0, false},
		{"-", 0, false},
		{"nan", 0, false},
		{"NaN", 0, false},
		{"NULL", 0, false},
		{"None", 0, false},
		{"abc", 0, false},
		{"inf", 0, false},
		{"1,2,3", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseValue(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestIsMissing(t *testing.T) {
	for _, raw := range []string{"", "  ", "-", "nan", "Null", "NONE"} {
		assert.True(t, IsMissing(raw), "%q should be missing", raw)
	}
	for _, raw := range []string{"0", "Kyiv", "--", "n/a"} {
		assert.False(t, IsMissing(raw), "%q should not be missing", raw)
	}
}

func TestPeriodFromFilename(t *testing.T) {
	now := date(2025, time.March, 10)

	tests := []struct {
		filename string
		want     Period
	}{
		{"shchodenni-za-lipen-2024.csv", Period{2024, time.July}},
		{"shchodennisichen2024.xlsx", Period{2024, time.January}},
		{"Shchodenni-Za-Gruden-2023.CSV", Period{2023, time.December}},
		{"report-2024.csv", Period{2024, time.March}},
		{"lystopad.csv", Period{2025, time.November}},
		{"upload.csv", Period{2025, time.March}},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, PeriodFromFilename(tt.filename, now))
		})
	}
}

func TestResolveHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		def    Period
		want   time.Time
		wantOK bool
	}{
		{"header month overrides default", "1July", Period{2024, time.May}, date(2024, time.July, 1), true},
		{"digits use default month", "31", Period{2024, time.July}, date(2024, time.July, 31), true},
		{"day 32 is not a date", "32", Period{2024, time.July}, time.Time{}, false},
		{"day 0 is not a date", "0", Period{2024, time.July}, time.Time{}, false},
		{"31 in a 30 day month", "31", Period{2024, time.June}, time.Time{}, false},
		{"leap day", "29Feb", Period{2024, time.July}, date(2024, time.February, 29), true},
		{"no leap day", "29Feb", Period{2023, time.July}, time.Time{}, false},
		{"abbreviation", "5sept", Period{2024, time.January}, date(2024, time.September, 5), true},
		{"trimmed", " 2 ", Period{2024, time.July}, date(2024, time.July, 2), true},
		{"unknown month word", "1Foo", Period{2024, time.July}, time.Time{}, false},
		{"identity column", "city", Period{2024, time.July}, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveHeader(tt.header, tt.def)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	t.Run("utf-8 semicolon", func(t *testing.T) {
		table, err := Detect([]byte("city;coordinateNumber;nameImpurity;1\nKyiv;1;NO2;10\n"))
		require.NoError(t, err)
		assert.Equal(t, "utf-8", table.Encoding)
		assert.Equal(t, ';', table.Delimiter)
		assert.Equal(t, []string{"city", "coordinateNumber", "nameImpurity", "1"}, table.Header)
		assert.Len(t, table.Rows, 1)
	})

	t.Run("utf-8 bom comma", func(t *testing.T) {
		data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("city,coordinateNumber\nKyiv,1\n")...)
		table, err := Detect(data)
		require.NoError(t, err)
		assert.Equal(t, ',', table.Delimiter)
		assert.Equal(t, "city", table.Header[0])
	})

	t.Run("windows-1251 comma", func(t *testing.T) {
		data, err := charmap.Windows1251.NewEncoder().Bytes([]byte("city,coordinateNumber,nameImpurity,1\nКиїв,1,NO2,\"12,5\"\n"))
		require.NoError(t, err)

		table, err := Detect(data)
		require.NoError(t, err)
		assert.Equal(t, "windows-1251", table.Encoding)
		assert.Equal(t, ',', table.Delimiter)
		require.Len(t, table.Rows, 1)
		assert.Equal(t, "Київ", table.Rows[0][0])
		assert.Equal(t, "12,5", table.Rows[0][3])
	})

	t.Run("single column is unrecognized", func(t *testing.T) {
		_, err := Detect([]byte("just one column\nvalue\n"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrFormatUnrecognized))

		var fe *FormatError
		require.True(t, errors.As(err, &fe))
		assert.NotEmpty(t, fe.Attempts)
		assert.Contains(t, err.Error(), "Windows-1251")
	})

	t.Run("empty input is unrecognized", func(t *testing.T) {
		_, err := Detect(nil)
		assert.ErrorIs(t, err, ErrFormatUnrecognized)
	})
}

func TestNormalize_Wide(t *testing.T) {
	table := &Table{
		Header: []string{"City", "coordinateNumber", "nameImpurity", "1July", "2July", "3July", "notes"},
		Rows: [][]string{
			{"Kryvyi  Rih", "4", "NO2", "10", "<2,5", "-", "x"},
			{"", "4", "NO2", "10", "11", "12", ""},
			{"Kyiv", "nan", "SO2", "1", "2", "3", ""},
		},
	}

	res := Normalize(table, Period{2024, time.July})
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Records, 2)

	assert.Equal(t, Record{Location: "Kryvyi Rih", Point: "4", Pollutant: "NO2", Date: date(2024, time.July, 1), Value: 10}, res.Records[0])
	assert.Equal(t, date(2024, time.July, 2), res.Records[1].Date)
	assert.InDelta(t, 2.5, res.Records[1].Value, 1e-9)
}

func TestNormalize_YearMonthContext(t *testing.T) {
	table := &Table{
		Header: []string{"city", "coordinateNumber", "nameImpurity", "yearMonth", "1", "2", "3March"},
		Rows: [][]string{
			{"Kyiv", "1", "CO", "2023-11", "5", "6", "7"},
			{"Kyiv", "1", "CO", "", "8", "", ""},
		},
	}

	res := Normalize(table, Period{2024, time.July})
	require.Len(t, res.Records, 4)
	assert.Equal(t, date(2023, time.November, 1), res.Records[0].Date)
	assert.Equal(t, date(2023, time.November, 2), res.Records[1].Date)
	assert.Equal(t, date(2023, time.March, 3), res.Records[2].Date)
	assert.Equal(t, date(2024, time.July, 1), res.Records[3].Date)
}

func TestNormalize_Long(t *testing.T) {
	table := &Table{
		Header: []string{"city", "coordinateNumber", "nameImpurity", "date", "value"},
		Rows: [][]string{
			{"Kyiv", "1", "PM10", "2024-07-01", "41"},
			{"Kyiv", "1", "PM10", "02.07.2024", "42,5"},
			{"Kyiv", "1", "PM10", "yesterday", "43"},
			{"Kyiv", "1", "PM10", "2024-07-04", "null"},
		},
	}

	res := Normalize(table, Period{2024, time.July})
	require.Len(t, res.Records, 2)
	assert.Equal(t, date(2024, time.July, 1), res.Records[0].Date)
	assert.Equal(t, date(2024, time.July, 2), res.Records[1].Date)
	assert.InDelta(t, 42.5, res.Records[1].Value, 1e-9)
}

func TestIngest_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC))
	ing := NewIngester(s, clock)

	data := []byte("city;coordinateNumber;nameImpurity;1July;2July\nKyiv;1;NO2;10;12\n")
	res, err := ing.Ingest(ctx, data, "shchodenni-za-lipen-2024.csv")
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, Period{2024, time.July}, res.Period)
	assert.Equal(t, 2, res.RowsProcessed)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, "utf-8", res.Encoding)
	assert.Equal(t, ";", res.Delimiter)

	locations, err := s.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locations, 1)

	obs, err := s.LatestObservations(ctx, locations[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, date(2024, time.July, 2), obs[0].Date)
	assert.Equal(t, 12.0, obs[0].Value)
	assert.Equal(t, date(2024, time.July, 1), obs[1].Date)
	assert.Equal(t, 10.0, obs[1].Value)
	assert.Equal(t, "NO2", obs[0].PollutantCode)

	runs, err := s.GetRecentIngestRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.True(t, runs[0].Success)
}

func TestIngest_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ing := NewIngester(s, clockwork.NewFakeClock())

	first := []byte("city;coordinateNumber;nameImpurity;1July;2July\nKyiv;1;NO2;10;12\n")
	second := []byte("city;coordinateNumber;nameImpurity;1July;2July\nKyiv;1;NO2;10;15\n")

	_, err := ing.Ingest(ctx, first, "lipen-2024.csv")
	require.NoError(t, err)
	res, err := ing.Ingest(ctx, second, "lipen-2024.csv")
	require.NoError(t, err)

	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	count, err := s.CountObservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	locations, err := s.ListLocations(ctx)
	require.NoError(t, err)
	obs, err := s.LatestObservations(ctx, locations[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 15.0, obs[0].Value)
}

// failingRepo passes through to the store until the nth InsertObservation.
type failingRepo struct {
	Repository
	failOn  int
	inserts int
	err     error
}

func (f *failingRepo) InsertObservation(ctx context.Context, obs models.Observation) (int64, error) {
	f.inserts++
	if f.inserts == f.failOn {
		return 0, f.err
	}
	return f.Repository.InsertObservation(ctx, obs)
}

func TestIngest_StoreErrorRollsBackReport(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ing := NewIngester(s, clockwork.NewFakeClock())

	errDiskFull := errors.New("disk full")
	ing.repo = func(tx *store.Store) Repository {
		return &failingRepo{Repository: tx, failOn: 2, err: errDiskFull}
	}

	data := []byte("city;coordinateNumber;nameImpurity;1July;2July;3July\nKyiv;1;NO2;10;12;14\n")
	_, err := ing.Ingest(ctx, data, "lipen-2024.csv")
	require.ErrorIs(t, err, errDiskFull)

	count, err := s.CountObservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	locations, err := s.ListLocations(ctx)
	require.NoError(t, err)
	assert.Empty(t, locations)

	runs, err := s.GetRecentIngestRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Zero(t, runs[0].RowsProcessed.Int64)
	assert.Contains(t, runs[0].ErrorMessage.String, "disk full")

	// The same report goes in cleanly once the store recovers.
	ing.repo = func(tx *store.Store) Repository { return tx }
	res, err := ing.Ingest(ctx, data, "lipen-2024.csv")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
}

func TestIngest_Windows1251Comma(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ing := NewIngester(s, clockwork.NewFakeClock())

	data, err := charmap.Windows1251.NewEncoder().Bytes([]byte(
		"city,coordinateNumber,nameImpurity,1,2,3\nКривий Ріг,7,SO2,\"0,5\",\"<0,1\",-\n"))
	require.NoError(t, err)

	res, err := ing.Ingest(ctx, data, "shchodenni-za-serpen-2024.csv")
	require.NoError(t, err)
	assert.Equal(t, "windows-1251", res.Encoding)
	assert.Equal(t, ",", res.Delimiter)
	assert.Equal(t, 2, res.Inserted)

	locations, err := s.ListLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, "Кривий Ріг", locations[0].Name)
}

func TestIngest_FilenameFallsBackToClock(t *testing.T) {
	s := setupTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, time.October, 3, 9, 0, 0, 0, time.UTC))
	ing := NewIngester(s, clock)

	res, err := ing.Ingest(context.Background(), []byte("city;coordinateNumber;nameImpurity;5\nKyiv;1;CO;1\n"), "upload.csv")
	require.NoError(t, err)
	assert.Equal(t, Period{2025, time.October}, res.Period)
}

func TestIngest_FormatError(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	ing := NewIngester(s, clockwork.NewFakeClock())

	_, err := ing.Ingest(ctx, []byte("nothing to see here\n"), "broken.csv")
	require.ErrorIs(t, err, ErrFormatUnrecognized)

	count, err := s.CountObservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	runs, err := s.GetRecentIngestRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.True(t, runs[0].ErrorMessage.Valid)
}

type fakeRepo struct {
	locationCalls int
	observations  map[string]*models.Observation
	nextID        int64
	failFind      error
}

func (f *fakeRepo) GetOrCreateLocation(ctx context.Context, name string) (int64, error) {
	f.locationCalls++
	return 1, nil
}

func (f *fakeRepo) GetOrCreatePoint(ctx context.Context, locationID int64, name string) (int64, error) {
	return 1, nil
}

func (f *fakeRepo) GetOrCreatePollutant(ctx context.Context, code, description string) (int64, error) {
	return 1, nil
}

func (f *fakeRepo) FindObservation(ctx context.Context, pointID, pollutantID int64, d time.Time) (*models.Observation, error) {
	if f.failFind != nil {
		return nil, f.failFind
	}
	return f.observations[d.Format(models.DateLayout)], nil
}

func (f *fakeRepo) InsertObservation(ctx context.Context, obs models.Observation) (int64, error) {
	f.nextID++
	obs.ID = f.nextID
	f.observations[obs.Date.Format(models.DateLayout)] = &obs
	return obs.ID, nil
}

func (f *fakeRepo) UpdateObservationValue(ctx context.Context, id int64, value float64) error {
	for _, o := range f.observations {
		if o.ID == id {
			o.Value = value
		}
	}
	return nil
}

func TestReconciler_MemoizesEntities(t *testing.T) {
	repo := &fakeRepo{observations: map[string]*models.Observation{}}
	r := NewReconciler(repo)

	records := []Record{
		{Location: "Kyiv", Point: "1", Pollutant: "NO2", Date: date(2024, 7, 1), Value: 1},
		{Location: "Kyiv", Point: "1", Pollutant: "NO2", Date: date(2024, 7, 2), Value: 2},
		{Location: "Kyiv", Point: "1", Pollutant: "NO2", Date: date(2024, 7, 1), Value: 3},
		{Location: "Kyiv", Point: "1", Pollutant: "NO2", Date: date(2024, 7, 2), Value: 2},
	}

	res, err := r.Apply(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Processed: 4, Inserted: 2, Updated: 1, Unchanged: 1}, res)
	assert.Equal(t, 1, repo.locationCalls)
	assert.Equal(t, 3.0, repo.observations["2024-07-01"].Value)
}

func TestReconciler_StoreErrorAborts(t *testing.T) {
	boom := errors.New("disk on fire")
	repo := &fakeRepo{observations: map[string]*models.Observation{}, failFind: boom}

	res, err := NewReconciler(repo).Apply(context.Background(), []Record{
		{Location: "Kyiv", Point: "1", Pollutant: "NO2", Date: date(2024, 7, 1), Value: 1},
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, res.Processed)
}
