// Package journal implements the supplier-side durable transaction log: an
// append-only full history plus a pending journal of transactions that have
// not yet been resolved to COMMIT or ROLLBACK. Both are flat files holding
// one JSON record per line. The pending journal is what makes in-flight
// reservations survive a restart.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/ordermesh/core/transaction"
)

// Action tags one protocol step in the journal.
type Action string

const (
	ActionPrepare  Action = "PREPARE"
	ActionCommit   Action = "COMMIT"
	ActionRollback Action = "ROLLBACK"
)

const (
	historyFileName = "transaction.log"
	pendingFileName = "pending.log"
)

// Entry is one journal record. Entries are immutable once written; the full
// sequence of entries for a transaction id is the source of truth for
// recovery.
type Entry struct {
	TransactionID string  `json:"transactionId"`
	Action        Action  `json:"action"`
	ProductIDs    []int64 `json:"productIds"`
	// Items carries the requested quantities for PREPARE entries so that a
	// restart can re-derive each post-decrement snapshot; terminal entries
	// omit it.
	Items     []transaction.PrepareItem `json:"items,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// NewEntry builds an entry stamped with the current time.
func NewEntry(txID string, action Action, productIDs []int64) Entry {
	return Entry{
		TransactionID: txID,
		Action:        action,
		ProductIDs:    productIDs,
		Timestamp:     time.Now().UTC(),
	}
}

// Journal manages the two journal files for one supplier process. All
// physical writes are serialized by a single mutex and synced to disk before
// the corresponding protocol step is considered durable.
type Journal struct {
	mu          sync.Mutex
	dir         string
	historyPath string
	pendingPath string
	historyFile *os.File
	logger      *zap.Logger
}

// Open creates the journal directory if needed and opens the history file
// for appending. The pending file is created empty if it does not exist.
func Open(dir string, logger *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
	}

	historyPath := filepath.Join(dir, historyFileName)
	pendingPath := filepath.Join(dir, pendingFileName)

	historyFile, err := os.OpenFile(historyPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history journal %s: %w", historyPath, err)
	}
	if f, err := os.OpenFile(pendingPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err != nil {
		historyFile.Close()
		return nil, fmt.Errorf("failed to open pending journal %s: %w", pendingPath, err)
	} else {
		f.Close()
	}

	j := &Journal{
		dir:         dir,
		historyPath: historyPath,
		pendingPath: pendingPath,
		historyFile: historyFile,
		logger:      logger,
	}
	logger.Info("Journal opened",
		zap.String("dir", dir),
		zap.String("history", historyPath),
		zap.String("pending", pendingPath))
	return j, nil
}

// Close releases the history file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.historyFile.Close()
}

// Append writes the entry to the full history journal and syncs it to disk.
// The history is never truncated; it is the audit trail.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(e)
}

func (j *Journal) appendLocked(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize journal entry: %w", err)
	}
	if _, err := j.historyFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to history journal: %w", err)
	}
	if err := j.historyFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync history journal: %w", err)
	}
	j.logger.Debug("Journal entry appended",
		zap.String("txn", e.TransactionID),
		zap.String("action", string(e.Action)),
		zap.Int64s("products", e.ProductIDs))
	return nil
}

// AppendPrepare records a PREPARE in the history and adds the transaction to
// the pending journal. Both writes complete (and reach disk) before this
// returns, so a crash after the prepare response still leaves enough durable
// evidence to rebuild the staged reservation.
func (j *Journal) AppendPrepare(txID string, items []transaction.PrepareItem) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	productIDs := make([]int64, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}
	e := NewEntry(txID, ActionPrepare, productIDs)
	e.Items = items
	if err := j.appendLocked(e); err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize pending entry: %w", err)
	}
	f, err := os.OpenFile(j.pendingPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open pending journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to pending journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync pending journal: %w", err)
	}
	return nil
}

// Resolve records the terminal action (COMMIT or ROLLBACK) in the history
// and removes the transaction from the pending journal. The pending file is
// rewritten in place rather than appended to.
func (j *Journal) Resolve(txID string, action Action, productIDs []int64) error {
	if action != ActionCommit && action != ActionRollback {
		return fmt.Errorf("action %s is not a terminal journal action", action)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.appendLocked(NewEntry(txID, action, productIDs)); err != nil {
		return err
	}
	return j.removePendingLocked(txID)
}

func (j *Journal) removePendingLocked(txID string) error {
	lines, err := readLines(j.pendingPath)
	if err != nil {
		return fmt.Errorf("failed to read pending journal: %w", err)
	}

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Keep malformed lines rather than silently dropping evidence.
			j.logger.Warn("Keeping malformed pending journal line", zap.String("line", line))
			kept = append(kept, line)
			continue
		}
		if e.TransactionID != txID {
			kept = append(kept, line)
		}
	}

	f, err := os.OpenFile(j.pendingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to rewrite pending journal: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, line := range kept {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("failed to rewrite pending journal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush pending journal: %w", err)
	}
	return f.Sync()
}

// ReadPending returns every unresolved PREPARE entry, in journal order. The
// participant replays these on startup to rebuild its staged reservations.
func (j *Journal) ReadPending() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	lines, err := readLines(j.pendingPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending journal: %w", err)
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			j.logger.Warn("Skipping malformed pending journal line", zap.String("line", line))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadHistory returns the full history journal, in append order. Used for
// audit and by tests asserting the at-most-one-resolution invariant.
func (j *Journal) ReadHistory() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	lines, err := readLines(j.historyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read history journal: %w", err)
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			j.logger.Warn("Skipping malformed history journal line", zap.String("line", line))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
