package participant

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/ordermesh/core/inventory"
	"github.com/sushant-115/ordermesh/core/participant/journal"
	"github.com/sushant-115/ordermesh/core/transaction"
)

// Endpoint implements the participant state machine over the staged store and
// the durable journal, and exposes it as the supplier's HTTP surface.
type Endpoint struct {
	catalog *inventory.Catalog
	store   *StagedStore
	journal *journal.Journal
	logger  *zap.Logger

	prepares    metric.Int64Counter
	resolutions metric.Int64Counter
}

// NewEndpoint wires the endpoint and replays the pending journal: every
// unresolved PREPARE is re-materialized into a staged reservation, with the
// post-decrement snapshot re-derived from current product data, so a late
// commit or rollback after a restart behaves as if the restart never
// happened.
func NewEndpoint(cat *inventory.Catalog, store *StagedStore, jnl *journal.Journal, logger *zap.Logger, meter metric.Meter) (*Endpoint, error) {
	prepares, err := meter.Int64Counter("ordermesh.participant.prepares_total",
		metric.WithDescription("Prepare requests handled, by outcome."))
	if err != nil {
		return nil, fmt.Errorf("failed to create prepares counter: %w", err)
	}
	resolutions, err := meter.Int64Counter("ordermesh.participant.resolutions_total",
		metric.WithDescription("Commit/rollback resolutions handled, by action and outcome."))
	if err != nil {
		return nil, fmt.Errorf("failed to create resolutions counter: %w", err)
	}

	e := &Endpoint{
		catalog:     cat,
		store:       store,
		journal:     jnl,
		logger:      logger,
		prepares:    prepares,
		resolutions: resolutions,
	}
	if err := e.replayPending(); err != nil {
		return nil, err
	}
	return e, nil
}

// replayPending rebuilds staged reservations from the pending journal.
func (e *Endpoint) replayPending() error {
	entries, err := e.journal.ReadPending()
	if err != nil {
		return fmt.Errorf("failed to replay pending journal: %w", err)
	}
	for _, entry := range entries {
		reservations := make([]StagedReservation, 0, len(entry.Items))
		for _, item := range entry.Items {
			product, ok := e.catalog.Get(item.ProductID)
			if !ok {
				e.logger.Warn("Pending transaction references unknown product, skipping item",
					zap.String("txn", entry.TransactionID),
					zap.Int64("product", item.ProductID))
				continue
			}
			reservations = append(reservations, StagedReservation{
				ProductID:         item.ProductID,
				ReservedQuantity:  item.Quantity,
				ResultingQuantity: product.Quantity - item.Quantity,
			})
		}
		e.store.Restore(entry.TransactionID, reservations)
		e.logger.Info("Recovered staged transaction from pending journal",
			zap.String("txn", entry.TransactionID),
			zap.Int("products", len(reservations)))
	}
	if len(entries) > 0 {
		e.logger.Info("Pending journal replay complete", zap.Int("transactions", len(entries)))
	}
	return nil
}

// Register installs the participant HTTP surface on mux.
func (e *Endpoint) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /transaction/prepare/{transactionId}", e.handlePrepare)
	mux.HandleFunc("POST /transaction/commit/{transactionId}", e.handleCommit)
	mux.HandleFunc("POST /transaction/rollback/{transactionId}", e.handleRollback)
	mux.HandleFunc("GET /transaction/staged", e.handleStaged)
	mux.HandleFunc("GET /products", e.handleProducts)
}

func (e *Endpoint) handlePrepare(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("transactionId")
	ctx := r.Context()

	var req transaction.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		e.prepares.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "bad_request")))
		http.Error(w, "Malformed prepare request body", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		e.prepares.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "bad_request")))
		http.Error(w, "No items provided", http.StatusBadRequest)
		return
	}

	if _, err := e.store.Stage(txID, req.Items, e.catalog); err != nil {
		status, outcome := http.StatusBadRequest, "insufficient_stock"
		switch {
		case errors.Is(err, ErrTxIDInUse):
			status, outcome = http.StatusConflict, "duplicate_tx_id"
		case errors.Is(err, ErrUnknownProduct):
			status, outcome = http.StatusNotFound, "unknown_product"
		}
		e.logger.Warn("Prepare declined",
			zap.String("txn", txID),
			zap.String("outcome", outcome),
			zap.Error(err))
		e.prepares.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		http.Error(w, err.Error(), status)
		return
	}

	// Durability before the vote: the PREPARE entry and the pending mark must
	// both be on disk before we answer YES.
	if err := e.journal.AppendPrepare(txID, req.Items); err != nil {
		// Staging without durable evidence would be unrecoverable; undo it
		// and decline.
		_, _ = e.store.Discard(txID)
		e.logger.Error("Failed to journal prepare, declining vote",
			zap.String("txn", txID), zap.Error(err))
		e.prepares.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "journal_error")))
		http.Error(w, "Failed to persist prepare", http.StatusInternalServerError)
		return
	}

	e.logger.Info("Prepared transaction",
		zap.String("txn", txID),
		zap.Int("items", len(req.Items)))
	e.prepares.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "prepared")))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Prepared transaction %s with %d item(s)", txID, len(req.Items))
}

func (e *Endpoint) handleCommit(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("transactionId")
	ctx := r.Context()

	applied, err := e.store.Commit(txID, func(res StagedReservation) error {
		return e.catalog.SetQuantity(res.ProductID, res.ResultingQuantity)
	})
	if err != nil {
		if errors.Is(err, ErrNotStaged) {
			e.resolutions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("action", "commit"), attribute.String("outcome", "not_found")))
			http.Error(w, fmt.Sprintf("No prepared transaction with ID %s", txID), http.StatusNotFound)
			return
		}
		e.logger.Error("Commit failed", zap.String("txn", txID), zap.Error(err))
		e.resolutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", "commit"), attribute.String("outcome", "error")))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	productIDs := reservationProductIDs(applied)
	if err := e.journal.Resolve(txID, journal.ActionCommit, productIDs); err != nil {
		// Stock is already applied; the pending entry will be replayed as
		// staged on restart, and the duplicate commit will then 404. Surface
		// the fault rather than pretending the journal is consistent.
		e.logger.Error("Failed to journal commit", zap.String("txn", txID), zap.Error(err))
		e.resolutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", "commit"), attribute.String("outcome", "journal_error")))
		http.Error(w, "Failed to persist commit", http.StatusInternalServerError)
		return
	}

	e.logger.Info("Committed transaction",
		zap.String("txn", txID),
		zap.Int64s("products", productIDs))
	e.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", "commit"), attribute.String("outcome", "ok")))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Committed transaction %s", txID)
}

func (e *Endpoint) handleRollback(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("transactionId")
	ctx := r.Context()

	discarded, err := e.store.Discard(txID)
	if err != nil {
		// Nothing staged: benign from the coordinator's point of view, but
		// reported as 404 so the caller can tell the difference.
		e.resolutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", "rollback"), attribute.String("outcome", "not_found")))
		http.Error(w, fmt.Sprintf("No transaction to rollback with ID %s", txID), http.StatusNotFound)
		return
	}

	productIDs := reservationProductIDs(discarded)
	if err := e.journal.Resolve(txID, journal.ActionRollback, productIDs); err != nil {
		e.logger.Error("Failed to journal rollback", zap.String("txn", txID), zap.Error(err))
		e.resolutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", "rollback"), attribute.String("outcome", "journal_error")))
		http.Error(w, "Failed to persist rollback", http.StatusInternalServerError)
		return
	}

	e.logger.Info("Rolled back transaction",
		zap.String("txn", txID),
		zap.Int64s("products", productIDs))
	e.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", "rollback"), attribute.String("outcome", "ok")))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Rolled back transaction %s", txID)
}

// handleStaged returns a snapshot of every currently staged transaction.
// Diagnostic surface only.
func (e *Endpoint) handleStaged(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.store.Snapshot())
}

func (e *Endpoint) handleProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.catalog.List())
}

func reservationProductIDs(reservations []StagedReservation) []int64 {
	ids := make([]int64, 0, len(reservations))
	for _, r := range reservations {
		ids = append(ids, r.ProductID)
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
