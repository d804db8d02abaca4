package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestLedger(t *testing.T) *BadgerLedger {
	t.Helper()
	ledger, err := NewBadgerLedger(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func succeeded(filename, owner string) *models.ImageDBEntry {
	return &models.ImageDBEntry{
		Status:      models.FromStatus(models.StatusSucceeded),
		Filename:    filename,
		Width:       100,
		Height:      50,
		OwnerID:     owner,
		Caption:     "caption of " + filename,
		LastAttempt: time.Now().UTC().Truncate(time.Second),
	}
}

func failed(errType string) *models.ImageDBEntry {
	return &models.ImageDBEntry{
		Status:      models.FromStatus(models.StatusFailed),
		ErrorType:   errType,
		LastAttempt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestNewBadgerLedger(t *testing.T) {
	t.Run("empty ledger has zero count", func(t *testing.T) {
		ledger := newTestLedger(t)
		count, err := ledger.Count()
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("reopen preserves data and count", func(t *testing.T) {
		dir := t.TempDir()
		l1, err := NewBadgerLedger(dir, false, testLogger())
		require.NoError(t, err)
		require.NoError(t, l1.Record("http://x/a.jpg", succeeded("a.jpg", "u1")))
		require.NoError(t, l1.Close())

		l2, err := NewBadgerLedger(dir, false, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { l2.Close() })
		count, _ := l2.Count()
		assert.Equal(t, 1, count)
	})

	t.Run("fresh wipes data", func(t *testing.T) {
		dir := t.TempDir()
		l1, err := NewBadgerLedger(dir, false, testLogger())
		require.NoError(t, err)
		require.NoError(t, l1.Record("http://x/a.jpg", succeeded("a.jpg", "u1")))
		require.NoError(t, l1.Close())

		l2, err := NewBadgerLedger(dir, true, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { l2.Close() })
		count, _ := l2.Count()
		assert.Equal(t, 0, count)
		status, _, err := l2.Lookup("http://x/a.jpg")
		require.NoError(t, err)
		assert.Equal(t, models.LedgerStatusNotFound, status)
	})
}

func TestRecordAndLookup(t *testing.T) {
	ledger := newTestLedger(t)

	status, entry, err := ledger.Lookup("http://x/missing.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusNotFound, status)
	assert.Nil(t, entry)

	want := succeeded("a.jpg", "u1")
	require.NoError(t, ledger.Record("http://x/a.jpg", want))

	status, entry, err = ledger.Lookup("http://x/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.FromStatus(models.StatusSucceeded), status)
	require.NotNil(t, entry)
	assert.Equal(t, *want, *entry)

	// Overwrite keeps a single key
	require.NoError(t, ledger.Record("http://x/a.jpg", failed("RetryFailed_HTTPClient")))
	status, entry, err = ledger.Lookup("http://x/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.FromStatus(models.StatusFailed), status)
	assert.Equal(t, "RetryFailed_HTTPClient", entry.ErrorType)
	count, _ := ledger.Count()
	assert.Equal(t, 1, count)
}

func TestLookup_CorruptValueTreatedAsNotFound(t *testing.T) {
	ledger := newTestLedger(t)
	require.NoError(t, ledger.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(imageKeyPrefix+"http://x/bad.jpg"), []byte("{not json"))
	}))

	status, entry, err := ledger.Lookup("http://x/bad.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.LedgerStatusNotFound, status)
	assert.Nil(t, entry)
}

func TestRecord_Concurrent(t *testing.T) {
	ledger := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := "http://x/" + string(rune('a'+i%26)) + ".jpg"
			assert.NoError(t, ledger.Record(url, succeeded("f.jpg", "u")))
		}(i)
	}
	wg.Wait()

	count, _ := ledger.Count()
	assert.Equal(t, 26, count)
}

func seedLedger(t *testing.T, ledger *BadgerLedger) {
	t.Helper()
	exists := succeeded("c.jpg", "u3")
	exists.Status = models.FromStatus(models.StatusExists)
	require.NoError(t, ledger.Record("http://x/b.jpg", succeeded("b.jpg", "u2")))
	require.NoError(t, ledger.Record("http://x/a.jpg", succeeded("a.jpg", "u1")))
	require.NoError(t, ledger.Record("http://x/c.jpg", exists))
	require.NoError(t, ledger.Record("http://x/d.jpg", failed("RetryFailed_HTTPClient")))
	require.NoError(t, ledger.Record("http://x/e.jpg", failed("Input_InvalidURL")))
	require.NoError(t, ledger.Record("http://x/f.jpg", failed("RetryFailed_HTTPClient")))
}

func TestExportRows(t *testing.T) {
	ledger := newTestLedger(t)
	seedLedger(t, ledger)

	rows, err := ledger.ExportRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// Key order
	assert.Equal(t, "a.jpg", rows[0].Filename)
	assert.Equal(t, "b.jpg", rows[1].Filename)
	assert.Equal(t, "c.jpg", rows[2].Filename)
	assert.Equal(t, "u1", rows[0].OwnerID)
	assert.Equal(t, 100, rows[0].Width)
}

func TestWriteFailedLog(t *testing.T) {
	ledger := newTestLedger(t)
	seedLedger(t, ledger)

	path := filepath.Join(t.TempDir(), "failed.tsv")
	n, err := ledger.WriteFailedLog(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"http://x/d.jpg\tRetryFailed_HTTPClient\nhttp://x/e.jpg\tInput_InvalidURL\nhttp://x/f.jpg\tRetryFailed_HTTPClient\n",
		string(data))

	_, err = ledger.WriteFailedLog(context.Background(), "/nonexistent/dir/failed.tsv")
	assert.ErrorIs(t, err, utils.ErrFilesystem)
}

func TestStats(t *testing.T) {
	ledger := newTestLedger(t)
	seedLedger(t, ledger)

	stats, err := ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, map[string]int{"succeeded": 2, "exists": 1, "failed": 3}, stats.ByStatus)
	assert.Equal(t, map[string]int{"RetryFailed_HTTPClient": 2, "Input_InvalidURL": 1}, stats.ByErrorType)
}

func TestForEach_StopsOnCallbackErrorAndCancel(t *testing.T) {
	ledger := newTestLedger(t)
	seedLedger(t, ledger)

	stop := errors.New("stop")
	seen := 0
	err := ledger.ForEach(context.Background(), func(string, models.ImageDBEntry) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ledger.ForEach(ctx, func(string, models.ImageDBEntry) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunGC(t *testing.T) {
	t.Run("respects context cancellation", func(t *testing.T) {
		ledger := newTestLedger(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan struct{})
		go func() {
			ledger.RunGC(ctx, 50*time.Millisecond)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("RunGC did not respect context cancellation")
		}
	})
}

func TestClose(t *testing.T) {
	ledger, err := NewBadgerLedger(t.TempDir(), false, testLogger())
	require.NoError(t, err)
	assert.NoError(t, ledger.Close())
	assert.NoError(t, ledger.Close(), "second close should be safe")
}

func TestDBUpdateConflictRetry(t *testing.T) {
	t.Run("succeeds after transient conflicts", func(t *testing.T) {
		ledger := newTestLedger(t)
		attempts := 0
		err := ledger.dbUpdate(func(txn *badger.Txn) error {
			attempts++
			if attempts <= 3 {
				return badger.ErrConflict
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 4, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		ledger := newTestLedger(t)
		attempts := 0
		err := ledger.dbUpdate(func(txn *badger.Txn) error {
			attempts++
			return badger.ErrConflict
		})
		require.ErrorIs(t, err, utils.ErrDatabase)
		assert.Equal(t, maxConflictRetries, attempts)
	})
}
