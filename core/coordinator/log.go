// Package coordinator implements the broker side of the OrderMesh 2PC
// protocol: the durable coordinator log and the engine driving the
// prepare/commit/abort phases across supplier services.
package coordinator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/ordermesh/core/transaction"
)

const logFileName = "coordinator.log"

// logRecord is one line of the coordinator's append-only audit journal. Each
// state transition writes a full snapshot of the changed record; on reload
// the last snapshot per id wins.
type logRecord struct {
	Kind        string                         `json:"kind"` // "transaction" or "participant"
	Transaction *transaction.Record            `json:"transaction,omitempty"`
	Participant *transaction.ParticipantRecord `json:"participant,omitempty"`
}

// Log holds the coordinator's durable Transaction and ParticipantRecord
// tables. Every transition is appended to disk and synced before the
// coordinator issues its next network call, so the journal at any point in
// time reflects a consistent prefix of the protocol.
type Log struct {
	mu                sync.Mutex
	path              string
	file              *os.File
	transactions      map[string]transaction.Record
	participants      map[string][]transaction.ParticipantRecord
	nextParticipantID int64
	logger            *zap.Logger
}

// OpenLog opens (creating if needed) the coordinator journal under dir and
// rebuilds the in-memory tables from it.
func OpenLog(dir string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create coordinator log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, logFileName)

	l := &Log{
		path:              path,
		transactions:      make(map[string]transaction.Record),
		participants:      make(map[string][]transaction.ParticipantRecord),
		nextParticipantID: 1,
		logger:            logger,
	}
	if err := l.reload(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordinator log %s: %w", path, err)
	}
	l.file = file

	logger.Info("Coordinator log opened",
		zap.String("path", path),
		zap.Int("transactions", len(l.transactions)))
	return l, nil
}

// reload scans the journal and rebuilds the tables, last snapshot per record
// winning.
func (l *Log) reload() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read coordinator log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			l.logger.Warn("Skipping malformed coordinator log line", zap.String("line", line))
			continue
		}
		switch {
		case rec.Kind == "transaction" && rec.Transaction != nil:
			l.transactions[rec.Transaction.ID] = *rec.Transaction
		case rec.Kind == "participant" && rec.Participant != nil:
			l.upsertParticipantLocked(*rec.Participant)
			if rec.Participant.ID >= l.nextParticipantID {
				l.nextParticipantID = rec.Participant.ID + 1
			}
		}
	}
	return scanner.Err()
}

func (l *Log) upsertParticipantLocked(p transaction.ParticipantRecord) {
	records := l.participants[p.TransactionID]
	for i := range records {
		if records[i].ID == p.ID {
			records[i] = p
			return
		}
	}
	l.participants[p.TransactionID] = append(records, p)
}

// Close releases the journal file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *Log) appendLocked(rec logRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize coordinator log record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append coordinator log record: %w", err)
	}
	return l.file.Sync()
}

// CreateTransaction persists a new transaction with status INIT. This write
// completes before the coordinator contacts any participant.
func (l *Log) CreateTransaction(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.transactions[id]; exists {
		return fmt.Errorf("transaction %s already logged", id)
	}
	now := time.Now().UTC()
	rec := transaction.Record{ID: id, Status: transaction.StatusInit, CreatedAt: now, UpdatedAt: now}
	if err := l.appendLocked(logRecord{Kind: "transaction", Transaction: &rec}); err != nil {
		return err
	}
	l.transactions[id] = rec
	return nil
}

// SetTransactionStatus persists a status transition for the transaction.
func (l *Log) SetTransactionStatus(id string, status transaction.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s not found in coordinator log", id)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if err := l.appendLocked(logRecord{Kind: "transaction", Transaction: &rec}); err != nil {
		return err
	}
	l.transactions[id] = rec
	return nil
}

// GetTransaction returns the current record for a transaction id.
func (l *Log) GetTransaction(id string) (transaction.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.transactions[id]
	return rec, ok
}

// AddParticipant persists a new ParticipantRecord with status PARTICIPATING
// and returns its id.
func (l *Log) AddParticipant(txID string, supplierID int, address string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	rec := transaction.ParticipantRecord{
		ID:            l.nextParticipantID,
		TransactionID: txID,
		SupplierID:    supplierID,
		Address:       address,
		Status:        transaction.ParticipantParticipating,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.appendLocked(logRecord{Kind: "participant", Participant: &rec}); err != nil {
		return 0, err
	}
	l.nextParticipantID++
	l.upsertParticipantLocked(rec)
	return rec.ID, nil
}

// SetParticipantStatus persists a status transition for one participant
// record.
func (l *Log) SetParticipantStatus(txID string, participantID int64, status transaction.ParticipantStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := l.participants[txID]
	for i := range records {
		if records[i].ID == participantID {
			records[i].Status = status
			records[i].UpdatedAt = time.Now().UTC()
			return l.appendLocked(logRecord{Kind: "participant", Participant: &records[i]})
		}
	}
	return fmt.Errorf("participant %d not found for transaction %s", participantID, txID)
}

// Participants returns the participant records for a transaction, in
// creation order.
func (l *Log) Participants(txID string) []transaction.ParticipantRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.participants[txID]
	out := make([]transaction.ParticipantRecord, len(records))
	copy(out, records)
	return out
}

// Transactions returns every transaction record, oldest first. Admin/audit
// surface.
func (l *Log) Transactions() []transaction.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transaction.Record, 0, len(l.transactions))
	for _, rec := range l.transactions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Unresolved returns transactions whose status is not terminal. The broker
// reports these at startup for manual resolution; interrupted transactions
// are not re-driven automatically.
func (l *Log) Unresolved() []transaction.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []transaction.Record
	for _, rec := range l.transactions {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
