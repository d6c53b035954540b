package participant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/ordermesh/core/inventory"
	"github.com/sushant-115/ordermesh/core/participant/journal"
	"github.com/sushant-115/ordermesh/core/transaction"
)

type testParticipant struct {
	server  *httptest.Server
	catalog *inventory.Catalog
	store   *StagedStore
}

// startParticipant boots a full participant endpoint (catalog, store,
// journal, HTTP surface) against the given journal directory. Reusing the
// directory across calls simulates a process restart.
func startParticipant(t *testing.T, journalDir string) *testParticipant {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	jnl, err := journal.Open(journalDir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	catalog := testCatalog()
	store := NewStagedStore()
	endpoint, err := NewEndpoint(catalog, store, jnl, logger, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	endpoint.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testParticipant{server: server, catalog: catalog, store: store}
}

func postPrepare(t *testing.T, baseURL, txID string, items []transaction.PrepareItem) *http.Response {
	t.Helper()
	body, err := json.Marshal(transaction.PrepareRequest{TransactionID: txID, Items: items})
	require.NoError(t, err)
	resp, err := http.Post(fmt.Sprintf("%s/transaction/prepare/%s", baseURL, txID), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func postEmpty(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestEndpoint_PrepareCommitFlow(t *testing.T) {
	p := startParticipant(t, t.TempDir())

	resp := postPrepare(t, p.server.URL, "tx-1", []transaction.PrepareItem{{ProductID: 7, Quantity: 2}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Staged but not applied.
	prod, _ := p.catalog.Get(7)
	require.Equal(t, 10, prod.Quantity)
	require.Equal(t, 2, p.store.TotalReserved(7))

	resp = postEmpty(t, p.server.URL+"/transaction/commit/tx-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	prod, _ = p.catalog.Get(7)
	require.Equal(t, 8, prod.Quantity)
	require.Equal(t, 0, p.store.TotalReserved(7))

	// The transaction is resolved; commit is not a status query.
	resp = postEmpty(t, p.server.URL+"/transaction/commit/tx-1")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndpoint_PrepareRejections(t *testing.T) {
	p := startParticipant(t, t.TempDir())

	// Unknown product.
	resp := postPrepare(t, p.server.URL, "tx-unknown", []transaction.PrepareItem{{ProductID: 42, Quantity: 1}})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Insufficient stock.
	resp = postPrepare(t, p.server.URL, "tx-greedy", []transaction.PrepareItem{{ProductID: 9, Quantity: 6}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Empty item list.
	resp = postPrepare(t, p.server.URL, "tx-empty", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Duplicate transaction id conflicts and leaves the original staging
	// unchanged.
	resp = postPrepare(t, p.server.URL, "tx-dup", []transaction.PrepareItem{{ProductID: 7, Quantity: 2}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postPrepare(t, p.server.URL, "tx-dup", []transaction.PrepareItem{{ProductID: 7, Quantity: 5}})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, 2, p.store.TotalReserved(7))
}

func TestEndpoint_RollbackLeavesStockUntouched(t *testing.T) {
	p := startParticipant(t, t.TempDir())

	resp := postPrepare(t, p.server.URL, "tx-rb", []transaction.PrepareItem{{ProductID: 7, Quantity: 3}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postEmpty(t, p.server.URL+"/transaction/rollback/tx-rb")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	prod, _ := p.catalog.Get(7)
	require.Equal(t, 10, prod.Quantity)
	require.Equal(t, 0, p.store.TotalReserved(7))

	// Nothing left to roll back.
	resp = postEmpty(t, p.server.URL+"/transaction/rollback/tx-rb")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndpoint_StagedSnapshot(t *testing.T) {
	p := startParticipant(t, t.TempDir())

	postPrepare(t, p.server.URL, "tx-snap", []transaction.PrepareItem{{ProductID: 9, Quantity: 1}})

	resp, err := http.Get(p.server.URL + "/transaction/staged")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot map[string][]StagedReservation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	require.Contains(t, snapshot, "tx-snap")
	require.Equal(t, int64(9), snapshot["tx-snap"][0].ProductID)
}

func TestEndpoint_ProductsList(t *testing.T) {
	p := startParticipant(t, t.TempDir())

	resp, err := http.Get(p.server.URL + "/products")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var products []inventory.Product
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&products))
	require.Len(t, products, 2)
	require.Equal(t, int64(7), products[0].ID)
}

// TestEndpoint_RecoveryReplay simulates a crash between prepare and commit:
// a second endpoint built over the same journal directory must reconstruct
// the staged reservation so a late commit behaves exactly as if the restart
// never happened.
func TestEndpoint_RecoveryReplay(t *testing.T) {
	journalDir := t.TempDir()

	p1 := startParticipant(t, journalDir)
	resp := postPrepare(t, p1.server.URL, "tx-crash", []transaction.PrepareItem{{ProductID: 7, Quantity: 2}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p1.server.Close()

	// "Restart": fresh store and catalog, same journals.
	p2 := startParticipant(t, journalDir)
	require.Equal(t, 2, p2.store.TotalReserved(7))

	resp = postEmpty(t, p2.server.URL+"/transaction/commit/tx-crash")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	prod, _ := p2.catalog.Get(7)
	require.Equal(t, 8, prod.Quantity)

	// The restarted resolution still honors at-most-once.
	resp = postEmpty(t, p2.server.URL+"/transaction/commit/tx-crash")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestEndpoint_RecoveryThenRollback covers the other terminal path after a
// restart.
func TestEndpoint_RecoveryThenRollback(t *testing.T) {
	journalDir := t.TempDir()

	p1 := startParticipant(t, journalDir)
	postPrepare(t, p1.server.URL, "tx-crash-rb", []transaction.PrepareItem{{ProductID: 9, Quantity: 4}})
	p1.server.Close()

	p2 := startParticipant(t, journalDir)
	resp := postEmpty(t, p2.server.URL+"/transaction/rollback/tx-crash-rb")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	prod, _ := p2.catalog.Get(9)
	require.Equal(t, 5, prod.Quantity)
	require.Equal(t, 0, p2.store.TotalReserved(9))
}
