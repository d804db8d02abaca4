package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/image-downloader/pkg/log"
	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

const (
	imageKeyPrefix = "img:"            // Prefix for image URL keys in DB
	ledgerDBDir    = "download_ledger" // Subdirectory name within stateDir for Badger DB files
)

// BadgerLedger implements the Ledger interface using BadgerDB
type BadgerLedger struct {
	db       *badger.DB
	log      *logrus.Entry
	keyCount atomic.Int64 // Cached key count for O(1) Count
}

// NewBadgerLedger opens (or creates) the ledger under stateDir.
// With fresh=true any existing ledger is removed first.
func NewBadgerLedger(stateDir string, fresh bool, logger *logrus.Entry) (*BadgerLedger, error) {
	ledger := &BadgerLedger{log: logger}
	dbPath := filepath.Join(stateDir, ledgerDBDir)

	if fresh {
		logger.Warnf("Fresh ledger requested. REMOVING existing ledger directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			logger.Errorf("Failed to remove existing ledger directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Opening download ledger at: %s", dbPath)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create ledger directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1) // Only the latest outcome per URL matters

	var err error
	ledger.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	count, err := ledger.countKeys()
	if err != nil {
		logger.Warnf("Failed to count existing ledger keys: %v", err)
	} else {
		ledger.keyCount.Store(int64(count))
		logger.Debugf("Ledger holds %d entries", count)
	}
	return ledger, nil
}

// countKeys performs a one-time key-only scan (used only during initialization)
func (s *BadgerLedger) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(imageKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Workers recording different URLs rarely conflict, and when they do it resolves in microseconds.
func (s *BadgerLedger) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Lookup implements the ImageLedger interface
func (s *BadgerLedger) Lookup(imageURL string) (models.LedgerStatus, *models.ImageDBEntry, error) {
	status := models.LedgerStatusNotFound
	var entry *models.ImageDBEntry
	key := []byte(imageKeyPrefix + imageURL)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting image key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}

		return item.Value(func(val []byte) error {
			var decoded models.ImageDBEntry
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				s.log.Warnf("Failed to unmarshal ImageDBEntry for key '%s': %v. Treating as 'not_found'.", string(key), errJSON)
				return nil
			}
			entry = &decoded
			status = decoded.Status
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in Lookup for key '%s': %v", string(key), errView)
		return models.LedgerStatusDBError, nil, errView
	}
	return status, entry, nil
}

// Record implements the ImageLedger interface
func (s *BadgerLedger) Record(imageURL string, entry *models.ImageDBEntry) error {
	key := []byte(imageKeyPrefix + imageURL)

	entryBytes, errJSON := json.Marshal(entry)
	if errJSON != nil {
		return fmt.Errorf("%w: failed to marshal ImageDBEntry for key '%s': %w", utils.ErrParsing, string(key), errJSON)
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		isNew = errors.Is(errGet, badger.ErrKeyNotFound)
		return txn.SetEntry(badger.NewEntry(key, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in Record: %v", err)
		return fmt.Errorf("%w: failed setting ledger entry for key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	return nil
}

// Count implements the LedgerAdmin interface
func (s *BadgerLedger) Count() (int, error) {
	return int(s.keyCount.Load()), nil
}

// ForEach implements the LedgerAdmin interface
func (s *BadgerLedger) ForEach(ctx context.Context, fn func(imageURL string, entry models.ImageDBEntry) error) error {
	prefix := []byte(imageKeyPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			imageURL := string(item.Key()[len(prefix):])

			var entry models.ImageDBEntry
			errValue := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if errValue != nil {
				s.log.Warnf("Skipping unreadable ledger entry for '%s': %v", imageURL, errValue)
				continue
			}
			if err := fn(imageURL, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExportRows implements the LedgerAdmin interface
func (s *BadgerLedger) ExportRows(ctx context.Context) ([]models.ManifestRow, error) {
	var rows []models.ManifestRow
	err := s.ForEach(ctx, func(_ string, entry models.ImageDBEntry) error {
		if models.Status(entry.Status).InManifest() {
			rows = append(rows, entry.Row())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: exporting rows: %w", utils.ErrDatabase, err)
	}
	return rows, nil
}

// WriteFailedLog implements the LedgerAdmin interface
func (s *BadgerLedger) WriteFailedLog(ctx context.Context, filePath string) (int, error) {
	written := 0
	err := utils.WriteFileAtomic(filePath, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		iterErr := s.ForEach(ctx, func(imageURL string, entry models.ImageDBEntry) error {
			if models.Status(entry.Status) != models.StatusFailed {
				return nil
			}
			if _, err := fmt.Fprintf(bw, "%s\t%s\n", imageURL, entry.ErrorType); err != nil {
				return fmt.Errorf("%w: writing failed log: %w", utils.ErrFilesystem, err)
			}
			written++
			return nil
		})
		if iterErr != nil {
			return iterErr
		}
		return bw.Flush()
	})
	if err != nil {
		return 0, err
	}
	s.log.Infof("Wrote %d failed URLs to %s", written, filePath)
	return written, nil
}

// Stats implements the LedgerAdmin interface
func (s *BadgerLedger) Stats(ctx context.Context) (LedgerStats, error) {
	stats := LedgerStats{
		ByStatus:    make(map[string]int),
		ByErrorType: make(map[string]int),
	}
	err := s.ForEach(ctx, func(_ string, entry models.ImageDBEntry) error {
		stats.Total++
		stats.ByStatus[entry.Status.String()]++
		if entry.ErrorType != "" {
			stats.ByErrorType[entry.ErrorType]++
		}
		return nil
	})
	return stats, err
}

// RunGC runs BadgerDB's value log garbage collection periodically until ctx is done
func (s *BadgerLedger) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("Ledger GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for {
				// Rewrite while at least half of a value log file is reclaimable
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("Ledger GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping ledger GC goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the LedgerAdmin interface
func (s *BadgerLedger) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing ledger: %v", err)
		return fmt.Errorf("%w: closing ledger: %w", utils.ErrDatabase, err)
	}
	s.log.Debug("Ledger closed.")
	return nil
}
