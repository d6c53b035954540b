// ordermesh_broker runs the order broker: the 2PC coordinator that turns a
// checkout request into an all-or-nothing stock reservation across the
// configured supplier services.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/ordermesh/core/coordinator"
	"github.com/sushant-115/ordermesh/core/transaction"
	"github.com/sushant-115/ordermesh/pkg/connection"
	"github.com/sushant-115/ordermesh/pkg/logger"
	"github.com/sushant-115/ordermesh/pkg/telemetry"
)

const (
	defaultPort          = 8080
	defaultSuppliers     = "http://localhost:8081,http://localhost:8082"
	defaultDataDir       = "data"
	defaultCallTimeout   = 5 * time.Second
	defaultCheckoutRate  = 50 // checkout requests per second
	defaultCheckoutBurst = 20
	shutdownTimeout      = 10 * time.Second
)

// checkoutRequest is the collaborator-facing order body.
type checkoutRequest struct {
	Items []transaction.LineItem `json:"items"`
}

// checkoutResponse reports the transaction outcome to the caller.
type checkoutResponse struct {
	TransactionID string `json:"transactionId,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// orderRecord is one persisted order line in the broker's order log.
type orderRecord struct {
	TransactionID string                 `json:"transactionId"`
	Items         []transaction.LineItem `json:"items"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// fileOrderStore persists finalized orders as JSON lines. It stands in for
// the order-persistence collaborator: the coordinator itself never touches
// order data, it only hands the items back here after a successful commit.
type fileOrderStore struct {
	mu   sync.Mutex
	path string
}

func (s *fileOrderStore) Persist(txID string, items []transaction.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(orderRecord{TransactionID: txID, Items: items, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func main() {
	var (
		port          = flag.Int("port", defaultPort, "HTTP listen port")
		suppliers     = flag.String("suppliers", defaultSuppliers, "comma-separated supplier base URLs, index 0 serves supplier id 1")
		expected      = flag.Int("expected-suppliers", 2, "minimum number of configured suppliers (fatal if fewer)")
		dataDir       = flag.String("data-dir", defaultDataDir, "directory for the coordinator log and order log")
		callTimeout   = flag.Duration("call-timeout", defaultCallTimeout, "per-call timeout for supplier requests")
		parallel      = flag.Bool("parallel-prepare", false, "fan the prepare phase out to all suppliers concurrently")
		checkoutRate  = flag.Float64("checkout-rate", defaultCheckoutRate, "maximum checkout requests per second")
		checkoutBurst = flag.Int("checkout-burst", defaultCheckoutBurst, "checkout rate limiter burst")
		logLevel      = flag.String("log-level", "info", "minimum log level")
		logFormat     = flag.String("log-format", "json", "log format: json or console")
		telEnabled    = flag.Bool("telemetry", true, "enable OpenTelemetry metrics")
	)
	flag.Parse()

	zlog, err := logger.New("ordermesh-broker", logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:     *telEnabled,
		ServiceName: "ordermesh-broker",
	})
	if err != nil {
		zlog.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	// A short or missing supplier table is a fatal configuration error; the
	// broker refuses to start rather than discover it mid-transaction.
	directory, err := connection.NewDirectory(strings.Split(*suppliers, ","), *expected, *callTimeout)
	if err != nil {
		zlog.Fatal("Supplier configuration invalid", zap.Error(err))
	}
	zlog.Info("Supplier directory configured", zap.Int("suppliers", directory.Count()))

	txLog, err := coordinator.OpenLog(*dataDir, zlog)
	if err != nil {
		zlog.Fatal("Failed to open coordinator log", zap.Error(err))
	}
	defer txLog.Close()

	// Startup sweep: report transactions a previous run left unresolved.
	// They are surfaced for manual resolution, never re-driven.
	for _, rec := range txLog.Unresolved() {
		zlog.Warn("Unresolved transaction found in coordinator log",
			zap.String("txn", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Time("created_at", rec.CreatedAt))
	}

	coord, err := coordinator.New(coordinator.Config{ParallelPrepare: *parallel}, directory, txLog, zlog, tel.Meter)
	if err != nil {
		zlog.Fatal("Failed to initialize coordinator", zap.Error(err))
	}

	orders := &fileOrderStore{path: filepath.Join(*dataDir, "orders.log")}
	limiter := rate.NewLimiter(rate.Limit(*checkoutRate), *checkoutBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout", func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, checkoutResponse{Status: "REJECTED", Error: "checkout rate exceeded"})
			return
		}

		var req checkoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, checkoutResponse{Status: "REJECTED", Error: "malformed request body"})
			return
		}
		for _, item := range req.Items {
			if item.ProductID <= 0 || item.Quantity <= 0 || item.SupplierID <= 0 {
				writeJSON(w, http.StatusBadRequest, checkoutResponse{Status: "REJECTED", Error: "each item needs productId, quantity and supplierId > 0"})
				return
			}
		}

		txID, err := coord.ExecuteTransaction(r.Context(), req.Items)
		switch {
		case err == nil:
			// Collaborator contract: the broker persists the finished order
			// only after every supplier committed.
			if perr := orders.Persist(txID, req.Items); perr != nil {
				zlog.Error("Order persistence failed after commit",
					zap.String("txn", txID), zap.Error(perr))
			}
			writeJSON(w, http.StatusOK, checkoutResponse{TransactionID: txID, Status: string(transaction.StatusCommitted)})
		case errors.Is(err, coordinator.ErrPartiallyCommitted):
			writeJSON(w, http.StatusInternalServerError, checkoutResponse{
				TransactionID: txID,
				Status:        string(transaction.StatusPartiallyCommitted),
				Error:         err.Error(),
			})
		case errors.Is(err, coordinator.ErrTransactionAborted):
			writeJSON(w, http.StatusConflict, checkoutResponse{
				TransactionID: txID,
				Status:        string(transaction.StatusAborted),
				Error:         "order could not be placed, please retry",
			})
		default:
			writeJSON(w, http.StatusBadRequest, checkoutResponse{Status: "REJECTED", Error: err.Error()})
		}
	})
	mux.HandleFunc("GET /admin/transactions", func(w http.ResponseWriter, r *http.Request) {
		type txView struct {
			transaction.Record
			Participants []transaction.ParticipantRecord `json:"participants"`
		}
		records := txLog.Transactions()
		out := make([]txView, 0, len(records))
		for _, rec := range records {
			out = append(out, txView{Record: rec, Participants: txLog.Participants(rec.ID)})
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		zlog.Info("Broker listening",
			zap.Int("port", *port),
			zap.Bool("parallel_prepare", *parallel))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	zlog.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("Shutdown failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
