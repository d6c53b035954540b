package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/ordermesh/core/inventory"
	"github.com/sushant-115/ordermesh/core/participant"
	"github.com/sushant-115/ordermesh/core/participant/journal"
	"github.com/sushant-115/ordermesh/core/transaction"
	"github.com/sushant-115/ordermesh/pkg/connection"
)

type testSupplier struct {
	server  *httptest.Server
	catalog *inventory.Catalog
	store   *participant.StagedStore
}

// startSupplier boots a full supplier service with its own catalog and
// journal directory.
func startSupplier(t *testing.T, products []inventory.Product) *testSupplier {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	jnl, err := journal.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	catalog := inventory.NewCatalog(products)
	store := participant.NewStagedStore()
	endpoint, err := participant.NewEndpoint(catalog, store, jnl, logger, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	endpoint.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testSupplier{server: server, catalog: catalog, store: store}
}

func newCoordinator(t *testing.T, cfg Config, supplierURLs []string) (*Coordinator, *Log) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	log, err := OpenLog(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	dir, err := connection.NewDirectory(supplierURLs, len(supplierURLs), 2*time.Second)
	require.NoError(t, err)

	c, err := New(cfg, dir, log, logger, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return c, log
}

func quantity(t *testing.T, cat *inventory.Catalog, productID int64) int {
	t.Helper()
	product, ok := cat.Get(productID)
	require.True(t, ok)
	return product.Quantity
}

func TestCoordinator_CommitAcrossSuppliers(t *testing.T) {
	supplier1 := startSupplier(t, []inventory.Product{
		{ID: 7, Name: "Pad Thai", Price: 12, Available: true, Quantity: 15},
	})
	supplier2 := startSupplier(t, []inventory.Product{
		{ID: 9, Name: "Green Curry", Price: 13.5, Available: true, Quantity: 10},
	})
	c, log := newCoordinator(t, Config{}, []string{supplier1.server.URL, supplier2.server.URL})

	txID, err := c.ExecuteTransaction(context.Background(), []transaction.LineItem{
		{ProductID: 7, Quantity: 2, SupplierID: 1},
		{ProductID: 9, Quantity: 1, SupplierID: 2},
	})
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	require.Equal(t, 13, quantity(t, supplier1.catalog, 7))
	require.Equal(t, 9, quantity(t, supplier2.catalog, 9))
	require.Equal(t, 0, supplier1.store.TotalReserved(7))
	require.Equal(t, 0, supplier2.store.TotalReserved(9))

	rec, ok := log.GetTransaction(txID)
	require.True(t, ok)
	require.Equal(t, transaction.StatusCommitted, rec.Status)
	for _, p := range log.Participants(txID) {
		require.Equal(t, transaction.ParticipantCommitted, p.Status)
	}
}

func TestCoordinator_AbortRollsBackPreparedSupplier(t *testing.T) {
	supplier1 := startSupplier(t, []inventory.Product{
		{ID: 7, Name: "Pad Thai", Price: 12, Available: true, Quantity: 15},
	})
	supplier2 := startSupplier(t, []inventory.Product{
		{ID: 9, Name: "Green Curry", Price: 13.5, Available: true, Quantity: 5},
	})
	c, log := newCoordinator(t, Config{}, []string{supplier1.server.URL, supplier2.server.URL})

	txID, err := c.ExecuteTransaction(context.Background(), []transaction.LineItem{
		{ProductID: 7, Quantity: 2, SupplierID: 1},
		{ProductID: 9, Quantity: 6, SupplierID: 2},
	})
	require.ErrorIs(t, err, ErrTransactionAborted)

	// Supplier 1 prepared and was rolled back; no stock moved anywhere.
	require.Equal(t, 15, quantity(t, supplier1.catalog, 7))
	require.Equal(t, 5, quantity(t, supplier2.catalog, 9))
	require.Equal(t, 0, supplier1.store.TotalReserved(7))
	require.Equal(t, 0, supplier2.store.TotalReserved(9))

	rec, ok := log.GetTransaction(txID)
	require.True(t, ok)
	require.Equal(t, transaction.StatusAborted, rec.Status)
	for _, p := range log.Participants(txID) {
		require.Equal(t, transaction.ParticipantAborted, p.Status)
	}
}

// TestCoordinator_SequentialEarlyExit verifies that the default prepare phase
// stops at the first NO vote and never contacts later suppliers.
func TestCoordinator_SequentialEarlyExit(t *testing.T) {
	declining := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient stock", http.StatusBadRequest)
	}))
	defer declining.Close()

	var contacted atomic.Int64
	never := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contacted.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer never.Close()

	c, _ := newCoordinator(t, Config{}, []string{declining.URL, never.URL})

	_, err := c.ExecuteTransaction(context.Background(), []transaction.LineItem{
		{ProductID: 7, Quantity: 1, SupplierID: 1},
		{ProductID: 9, Quantity: 1, SupplierID: 2},
	})
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.Zero(t, contacted.Load())
}

// TestCoordinator_ParallelPrepareContactsAll verifies the fan-out variant: a
// NO vote does not short-circuit the other prepares, and every YES voter gets
// a rollback.
func TestCoordinator_ParallelPrepareContactsAll(t *testing.T) {
	declining := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient stock", http.StatusBadRequest)
	}))
	defer declining.Close()

	var prepares, rollbacks atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transaction/prepare/{transactionId}", func(w http.ResponseWriter, r *http.Request) {
		prepares.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /transaction/rollback/{transactionId}", func(w http.ResponseWriter, r *http.Request) {
		rollbacks.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	accepting := httptest.NewServer(mux)
	defer accepting.Close()

	c, _ := newCoordinator(t, Config{ParallelPrepare: true}, []string{declining.URL, accepting.URL})

	_, err := c.ExecuteTransaction(context.Background(), []transaction.LineItem{
		{ProductID: 7, Quantity: 1, SupplierID: 1},
		{ProductID: 9, Quantity: 1, SupplierID: 2},
	})
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.Equal(t, int64(1), prepares.Load())
	require.Equal(t, int64(1), rollbacks.Load())
}

// TestCoordinator_PartialCommit injects a commit-phase failure on one supplier
// after both voted YES. The outcome must be distinct from a clean abort, and
// the supplier that committed must not be compensated.
func TestCoordinator_PartialCommit(t *testing.T) {
	supplier1 := startSupplier(t, []inventory.Product{
		{ID: 7, Name: "Pad Thai", Price: 12, Available: true, Quantity: 15},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /transaction/prepare/{transactionId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /transaction/commit/{transactionId}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "journal write failed", http.StatusInternalServerError)
	})
	broken := httptest.NewServer(mux)
	defer broken.Close()

	c, log := newCoordinator(t, Config{}, []string{supplier1.server.URL, broken.URL})

	txID, err := c.ExecuteTransaction(context.Background(), []transaction.LineItem{
		{ProductID: 7, Quantity: 2, SupplierID: 1},
		{ProductID: 9, Quantity: 1, SupplierID: 2},
	})
	require.ErrorIs(t, err, ErrPartiallyCommitted)

	// Supplier 1 applied its decrement; it stays applied.
	require.Equal(t, 13, quantity(t, supplier1.catalog, 7))

	rec, ok := log.GetTransaction(txID)
	require.True(t, ok)
	require.Equal(t, transaction.StatusPartiallyCommitted, rec.Status)

	participants := log.Participants(txID)
	require.Len(t, participants, 2)
	require.Equal(t, transaction.ParticipantCommitted, participants[0].Status)
	require.Equal(t, transaction.ParticipantAborted, participants[1].Status)
}

// TestCoordinator_TransportFailureAborts treats an unreachable supplier as a
// NO vote.
func TestCoordinator_TransportFailureAborts(t *testing.T) {
	supplier1 := startSupplier(t, []inventory.Product{
		{ID: 7, Name: "Pad Thai", Price: 12, Available: true, Quantity: 15},
	})

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	c, log := newCoordinator(t, Config{}, []string{supplier1.server.URL, deadURL})

	txID, err := c.ExecuteTransaction(context.Background(), []transaction.LineItem{
		{ProductID: 7, Quantity: 2, SupplierID: 1},
		{ProductID: 9, Quantity: 1, SupplierID: 2},
	})
	require.ErrorIs(t, err, ErrTransactionAborted)

	require.Equal(t, 15, quantity(t, supplier1.catalog, 7))
	require.Equal(t, 0, supplier1.store.TotalReserved(7))

	rec, _ := log.GetTransaction(txID)
	require.Equal(t, transaction.StatusAborted, rec.Status)
}

func TestCoordinator_InputValidation(t *testing.T) {
	supplier1 := startSupplier(t, []inventory.Product{
		{ID: 7, Name: "Pad Thai", Price: 12, Available: true, Quantity: 15},
	})
	c, log := newCoordinator(t, Config{}, []string{supplier1.server.URL})

	_, err := c.ExecuteTransaction(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoItems)

	// A supplier id outside the directory fails before any record is written.
	_, err = c.ExecuteTransaction(context.Background(), []transaction.LineItem{
		{ProductID: 7, Quantity: 1, SupplierID: 5},
	})
	require.ErrorIs(t, err, ErrUnresolvableSupplier)
	require.Empty(t, log.Transactions())
}

// TestCoordinator_GroupsItemsPerSupplier checks that several line items for
// one supplier travel in a single prepare request.
func TestCoordinator_GroupsItemsPerSupplier(t *testing.T) {
	supplier1 := startSupplier(t, []inventory.Product{
		{ID: 7, Name: "Pad Thai", Price: 12, Available: true, Quantity: 15},
		{ID: 8, Name: "Spring Rolls", Price: 6, Available: true, Quantity: 20},
	})
	c, log := newCoordinator(t, Config{}, []string{supplier1.server.URL})

	txID, err := c.ExecuteTransaction(context.Background(), []transaction.LineItem{
		{ProductID: 7, Quantity: 2, SupplierID: 1},
		{ProductID: 8, Quantity: 3, SupplierID: 1},
	})
	require.NoError(t, err)

	require.Equal(t, 13, quantity(t, supplier1.catalog, 7))
	require.Equal(t, 17, quantity(t, supplier1.catalog, 8))
	require.Len(t, log.Participants(txID), 1)
}
