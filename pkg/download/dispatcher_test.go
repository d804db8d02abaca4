package download

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/image-downloader/pkg/aggregate"
	"github.com/Sriram-PR/image-downloader/pkg/config"
	"github.com/Sriram-PR/image-downloader/pkg/fetch"
	"github.com/Sriram-PR/image-downloader/pkg/imaging"
	"github.com/Sriram-PR/image-downloader/pkg/imaging/imagingtest"
	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/storage"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testConfig(t *testing.T, workers, retries int) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		OutputDir:        t.TempDir(),
		Timeout:          2 * time.Second,
		MaxRetries:       retries,
		MaxWorkers:       workers,
		UserAgent:        config.DefaultUserAgent,
		FilenameStrategy: config.FilenameBasename,
	}
}

// imageServer serves a PNG for every path listed in images, hangs on paths under /slow/ until
// the client gives up, and returns 404 for everything else, counting requests per path
type imageServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newImageServer(t *testing.T, images map[string][]byte) *imageServer {
	t.Helper()
	s := &imageServer{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		if strings.HasPrefix(r.URL.Path, "/slow/") {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		body, ok := images[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *imageServer) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.hits {
		total += n
	}
	return total
}

func newHTTPDispatcher(cfg *config.AppConfig, ledger storage.ImageLedger) (*Dispatcher, *aggregate.Aggregator) {
	validator := imaging.NewValidator(imaging.ModeFull)
	client := fetch.NewClient(config.HTTPClientConfig{MaxIdleConns: 10, MaxIdleConnsPerHost: 10}, testLogger())
	fetcher := fetch.NewFetcher(client, validator, cfg, testLogger())
	agg := aggregate.New(nil, testLogger())
	return NewDispatcher(fetcher, validator, agg, ledger, cfg, "test-run", testLogger()), agg
}

func record(url, owner, caption string) models.ImageRecord {
	return models.ImageRecord{URL: url, OwnerID: owner, Caption: caption}
}

func sortedFilenames(rows []models.ManifestRow) []string {
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Filename)
	}
	sort.Strings(names)
	return names
}

func TestRun_ExistsSucceededFailed(t *testing.T) {
	srv := newImageServer(t, map[string][]byte{
		"/a.jpg": imagingtest.PNG(8, 8),
		"/b.jpg": imagingtest.PNG(10, 20),
	})
	cfg := testConfig(t, 4, 2)
	cfg.Timeout = 100 * time.Millisecond
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, "a.jpg"), imagingtest.PNG(8, 8), 0644))

	ledger, err := storage.NewBadgerLedger(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	d, agg := newHTTPDispatcher(cfg, ledger)
	summary, err := d.Run(context.Background(), []models.ImageRecord{
		record(srv.URL+"/a.jpg", "u1", "first"),
		record(srv.URL+"/b.jpg", "u2", "second"),
		record(srv.URL+"/slow/c.jpg", "u3", "third"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.Counters{Existing: 1, Succeeded: 1, Failed: 1}, summary.Counters)
	assert.Equal(t, 3, summary.Records)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, "test-run", summary.RunID)

	assert.Equal(t, 0, srv.Hits("/a.jpg"), "existing image must not be fetched")
	assert.Equal(t, 1, srv.Hits("/b.jpg"))
	assert.Equal(t, cfg.MaxRetries+1, srv.Hits("/slow/c.jpg"), "timing-out URL uses its full attempt budget")
	_, failedEntry, err := ledger.Lookup(srv.URL + "/slow/c.jpg")
	require.NoError(t, err)
	require.NotNil(t, failedEntry)
	assert.Equal(t, "RetryFailed_Timeout", failedEntry.ErrorType)
	assert.Equal(t, cfg.MaxRetries+1, failedEntry.Attempts)

	rows := agg.Rows()
	require.Len(t, rows, 2)
	byName := map[string]models.ManifestRow{}
	for _, r := range rows {
		byName[r.Filename] = r
	}
	assert.Equal(t, models.ManifestRow{Filename: "a.jpg", Width: 8, Height: 8, OwnerID: "u1", Caption: "first"}, byName["a.jpg"])
	assert.Equal(t, models.ManifestRow{Filename: "b.jpg", Width: 10, Height: 20, OwnerID: "u2", Caption: "second"}, byName["b.jpg"])

	saved, err := os.ReadFile(filepath.Join(cfg.OutputDir, "b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, imagingtest.PNG(10, 20), saved)
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "c.jpg"))

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestRun_CorruptFileIsRefetched(t *testing.T) {
	good := imagingtest.PNG(6, 6)
	srv := newImageServer(t, map[string][]byte{"/x.png": good})
	cfg := testConfig(t, 2, 0)
	target := filepath.Join(cfg.OutputDir, "x.png")
	require.NoError(t, os.WriteFile(target, imagingtest.Truncated(good), 0644))

	d, _ := newHTTPDispatcher(cfg, nil)
	summary, err := d.Run(context.Background(), []models.ImageRecord{record(srv.URL+"/x.png", "u", "c")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, srv.Hits("/x.png"))
	saved, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, good, saved, "corrupt file is overwritten")
}

func TestRun_InvalidURLFailsWithoutNetwork(t *testing.T) {
	srv := newImageServer(t, nil)
	cfg := testConfig(t, 2, 3)

	d, agg := newHTTPDispatcher(cfg, nil)
	summary, err := d.Run(context.Background(), []models.ImageRecord{
		record(srv.URL+"/", "u", "root path"),
		record("http://[::1", "u", "unparseable"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 0, srv.TotalHits())
	assert.Empty(t, agg.Rows())
}

func TestRun_SumInvariantAndPoolSizeEquivalence(t *testing.T) {
	images := map[string][]byte{}
	var records []models.ImageRecord
	srv := newImageServer(t, images)
	for i := 0; i < 30; i++ {
		name := "/img" + string(rune('a'+i%26)) + string(rune('0'+i/26)) + ".png"
		if i%3 != 0 {
			images[name] = imagingtest.PNG(2+i, 3)
		}
		records = append(records, record(srv.URL+name, "owner", "caption"))
	}

	run := func(workers int) (models.RunSummary, []string) {
		cfg := testConfig(t, workers, 1)
		d, agg := newHTTPDispatcher(cfg, nil)
		summary, err := d.Run(context.Background(), records)
		require.NoError(t, err)
		return summary, sortedFilenames(agg.Rows())
	}

	serialSummary, serialRows := run(1)
	parallelSummary, parallelRows := run(8)

	for _, s := range []models.RunSummary{serialSummary, parallelSummary} {
		assert.Equal(t, len(records), s.Total(), "every record reaches exactly one status")
		assert.Equal(t, 20, s.Succeeded)
		assert.Equal(t, 10, s.Failed)
	}
	assert.Equal(t, serialSummary.Counters, parallelSummary.Counters)
	assert.Equal(t, serialRows, parallelRows)
}

// fetcherFunc adapts a function to ImageFetcher
type fetcherFunc func(ctx context.Context, rawURL string) (*fetch.FetchResult, error)

func (f fetcherFunc) FetchImage(ctx context.Context, rawURL string) (*fetch.FetchResult, error) {
	return f(ctx, rawURL)
}

func TestRun_CancellationSkipsUndispatched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	fetcher := fetcherFunc(func(ctx context.Context, rawURL string) (*fetch.FetchResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		cancel()
		return &fetch.FetchResult{Attempts: 1}, ctx.Err()
	})

	cfg := testConfig(t, 1, 3)
	agg := aggregate.New(nil, testLogger())
	d := NewDispatcher(fetcher, imaging.NewValidator(imaging.ModeFull), agg, nil, cfg, "cancel-run", testLogger())

	var records []models.ImageRecord
	for i := 0; i < 10; i++ {
		records = append(records, record("http://example.com/"+string(rune('a'+i))+".jpg", "u", "c"))
	}

	summary, err := d.Run(ctx, records)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.Counters{Failed: 1}, summary.Counters)
	assert.Equal(t, 9, summary.Skipped)
	assert.Equal(t, len(records), summary.Total()+summary.Skipped)
}

func TestProcessRecord_PanicIsRecordedAsFailure(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context, string) (*fetch.FetchResult, error) {
		panic("boom")
	})
	cfg := testConfig(t, 1, 0)
	agg := aggregate.New(nil, testLogger())
	d := NewDispatcher(fetcher, imaging.NewValidator(imaging.ModeFull), agg, nil, cfg, "panic-run", testLogger())

	status := d.ProcessRecord(context.Background(), record("http://example.com/p.jpg", "u", "c"), testLogger())
	assert.Equal(t, models.StatusFailed, status)
	assert.Equal(t, models.Counters{Failed: 1}, agg.Counters())
}

func TestRun_WriteFailureIsRecordFailure(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	srv := newImageServer(t, map[string][]byte{"/w.png": imagingtest.PNG(3, 3)})
	cfg := testConfig(t, 1, 0)
	require.NoError(t, os.Chmod(cfg.OutputDir, 0555))
	t.Cleanup(func() { os.Chmod(cfg.OutputDir, 0755) })

	d, agg := newHTTPDispatcher(cfg, nil)
	summary, err := d.Run(context.Background(), []models.ImageRecord{record(srv.URL+"/w.png", "u", "c")})
	require.NoError(t, err, "per-record failures never abort the run")
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, agg.Rows())
}

func TestRun_RecordsLedgerEntries(t *testing.T) {
	srv := newImageServer(t, map[string][]byte{"/ok.png": imagingtest.PNG(5, 4)})
	ledger, err := storage.NewBadgerLedger(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	cfg := testConfig(t, 2, 1)
	d, _ := newHTTPDispatcher(cfg, ledger)
	_, err = d.Run(context.Background(), []models.ImageRecord{
		record(srv.URL+"/ok.png", "u1", "fine"),
		record(srv.URL+"/gone.png", "u2", "missing"),
	})
	require.NoError(t, err)

	status, entry, err := ledger.Lookup(srv.URL + "/ok.png")
	require.NoError(t, err)
	assert.Equal(t, models.FromStatus(models.StatusSucceeded), status)
	assert.Equal(t, "ok.png", entry.Filename)
	assert.Equal(t, 5, entry.Width)
	assert.Equal(t, "u1", entry.OwnerID)
	assert.Equal(t, utils.CalculateBytesSHA256(imagingtest.PNG(5, 4)), entry.ContentHash)
	assert.Equal(t, "test-run", entry.RunID)
	assert.Equal(t, 1, entry.Attempts)

	status, entry, err = ledger.Lookup(srv.URL + "/gone.png")
	require.NoError(t, err)
	assert.Equal(t, models.FromStatus(models.StatusFailed), status)
	assert.Equal(t, "RetryFailed_HTTPClient", entry.ErrorType)
	assert.Equal(t, 2, entry.Attempts)
	assert.Empty(t, entry.Caption, "failed entries carry no manifest data")

	rows, err := ledger.ExportRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ok.png", rows[0].Filename)
}

// failingLedger rejects every write
type failingLedger struct{}

func (failingLedger) Lookup(string) (models.LedgerStatus, *models.ImageDBEntry, error) {
	return models.LedgerStatusNotFound, nil, nil
}

func (failingLedger) Record(string, *models.ImageDBEntry) error {
	return errors.New("disk full")
}

func TestRun_LedgerErrorsDoNotChangeOutcome(t *testing.T) {
	srv := newImageServer(t, map[string][]byte{"/ok.png": imagingtest.PNG(2, 2)})
	cfg := testConfig(t, 1, 0)
	d, _ := newHTTPDispatcher(cfg, failingLedger{})
	summary, err := d.Run(context.Background(), []models.ImageRecord{record(srv.URL+"/ok.png", "u", "c")})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
}
