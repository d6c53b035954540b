// Package participant implements the supplier side of the OrderMesh 2PC
// protocol: the staged-reservation store, the HTTP endpoint exposing
// prepare/commit/rollback, and the startup replay of the pending journal.
package participant

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/ordermesh/core/inventory"
	"github.com/sushant-115/ordermesh/core/transaction"
)

// Protocol error conditions surfaced by the store and mapped to HTTP status
// codes by the endpoint.
var (
	ErrTxIDInUse         = errors.New("transaction id already used")
	ErrUnknownProduct    = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotStaged         = errors.New("no staged transaction")
)

// StagedReservation is one product's tentative decrement within a staged
// transaction. ResultingQuantity is the stock value that commit will apply.
type StagedReservation struct {
	ProductID         int64 `json:"productId"`
	ReservedQuantity  int   `json:"reservedQuantity"`
	ResultingQuantity int   `json:"resultingQuantity"`
}

// StagedStore is the shared table of in-flight reservations, keyed by
// transaction id and then product id. Availability checks, staging, and
// commit-time application all run under one mutex so that no interleaving of
// concurrent prepares can oversell a product.
type StagedStore struct {
	mu     sync.RWMutex
	staged map[string]map[int64]StagedReservation
}

// NewStagedStore returns an empty store.
func NewStagedStore() *StagedStore {
	return &StagedStore{staged: make(map[string]map[int64]StagedReservation)}
}

// totalReservedLocked sums the reserved quantity for a product across every
// staged transaction. Caller must hold s.mu.
func (s *StagedStore) totalReservedLocked(productID int64) int {
	total := 0
	for _, txn := range s.staged {
		if r, ok := txn[productID]; ok {
			total += r.ReservedQuantity
		}
	}
	return total
}

// Stage validates the requested items against the catalog and every other
// transaction's reservations, then stages the full set under txID. The whole
// operation is atomic: a rejected prepare stages nothing.
func (s *StagedStore) Stage(txID string, items []transaction.PrepareItem, cat *inventory.Catalog) ([]StagedReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.staged[txID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTxIDInUse, txID)
	}

	batch := make(map[int64]StagedReservation, len(items))
	for _, item := range items {
		product, ok := cat.Get(item.ProductID)
		if !ok {
			return nil, fmt.Errorf("%w: product %d", ErrUnknownProduct, item.ProductID)
		}

		reserved := s.totalReservedLocked(item.ProductID)
		if prior, ok := batch[item.ProductID]; ok {
			// Same product listed twice in one prepare: the earlier line of
			// this batch counts against availability too.
			reserved += prior.ReservedQuantity
		}
		available := product.Quantity - reserved
		if available < item.Quantity {
			return nil, fmt.Errorf("%w: product %d has %d available, %d requested",
				ErrInsufficientStock, item.ProductID, available, item.Quantity)
		}

		r := batch[item.ProductID]
		r.ProductID = item.ProductID
		r.ReservedQuantity += item.Quantity
		r.ResultingQuantity = product.Quantity - r.ReservedQuantity
		batch[item.ProductID] = r
	}

	s.staged[txID] = batch

	out := make([]StagedReservation, 0, len(batch))
	for _, r := range batch {
		out = append(out, r)
	}
	return out, nil
}

// Restore re-materializes a reservation set without re-validating
// availability. Used only by the startup replay of the pending journal; the
// original PREPARE entry is trusted.
func (s *StagedStore) Restore(txID string, reservations []StagedReservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[int64]StagedReservation, len(reservations))
	for _, r := range reservations {
		batch[r.ProductID] = r
	}
	s.staged[txID] = batch
}

// Commit applies every staged snapshot through apply and removes the staging.
// apply runs under the store mutex, so the catalog update and the release of
// the reservation are never observed separately by a concurrent prepare.
func (s *StagedStore) Commit(txID string, apply func(StagedReservation) error) ([]StagedReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.staged[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotStaged, txID)
	}
	out := make([]StagedReservation, 0, len(batch))
	for _, r := range batch {
		if err := apply(r); err != nil {
			return nil, fmt.Errorf("failed to apply staged reservation for product %d: %w", r.ProductID, err)
		}
		out = append(out, r)
	}
	delete(s.staged, txID)
	return out, nil
}

// Discard drops a staged transaction without touching real stock. Returns
// ErrNotStaged if nothing is staged under txID.
func (s *StagedStore) Discard(txID string) ([]StagedReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.staged[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotStaged, txID)
	}
	delete(s.staged, txID)

	out := make([]StagedReservation, 0, len(batch))
	for _, r := range batch {
		out = append(out, r)
	}
	return out, nil
}

// Snapshot returns a deep copy of the staged table, for the diagnostic
// endpoint.
func (s *StagedStore) Snapshot() map[string][]StagedReservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]StagedReservation, len(s.staged))
	for txID, batch := range s.staged {
		rs := make([]StagedReservation, 0, len(batch))
		for _, r := range batch {
			rs = append(rs, r)
		}
		out[txID] = rs
	}
	return out
}

// TotalReserved reports the reserved quantity for one product across all
// staged transactions.
func (s *StagedStore) TotalReserved(productID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalReservedLocked(productID)
}
