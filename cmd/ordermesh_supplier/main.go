// ordermesh_supplier runs one supplier inventory service: the participant
// side of the 2PC protocol, holding a product catalog, a staged-reservation
// table, and the durable journals that let in-flight transactions survive a
// restart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/ordermesh/core/inventory"
	"github.com/sushant-115/ordermesh/core/participant"
	"github.com/sushant-115/ordermesh/core/participant/journal"
	"github.com/sushant-115/ordermesh/pkg/logger"
	"github.com/sushant-115/ordermesh/pkg/telemetry"
)

const (
	defaultPort     = 8081
	defaultLogDir   = "logs"
	shutdownTimeout = 10 * time.Second
)

// defaultCatalog seeds a small demo inventory when no catalog file is given.
func defaultCatalog() *inventory.Catalog {
	return inventory.NewCatalog([]inventory.Product{
		{ID: 1, Name: "Margherita Pizza", Description: "Tomato, mozzarella, basil", Price: 9.50, Available: true, Quantity: 25},
		{ID: 2, Name: "Pepperoni Pizza", Description: "Tomato, mozzarella, pepperoni", Price: 11.00, Available: true, Quantity: 20},
		{ID: 7, Name: "Pad Thai", Description: "Rice noodles, peanuts, lime", Price: 12.00, Available: true, Quantity: 15},
		{ID: 9, Name: "Green Curry", Description: "Coconut milk, thai basil", Price: 13.50, Available: true, Quantity: 10},
	})
}

func main() {
	var (
		port        = flag.Int("port", defaultPort, "HTTP listen port")
		logDir      = flag.String("log-dir", defaultLogDir, "directory for the transaction and pending journals")
		catalogFile = flag.String("catalog", "", "JSON catalog seed file (optional)")
		logLevel    = flag.String("log-level", "info", "minimum log level")
		logFormat   = flag.String("log-format", "json", "log format: json or console")
		telEnabled  = flag.Bool("telemetry", true, "enable OpenTelemetry metrics")
	)
	flag.Parse()

	zlog, err := logger.New("ordermesh-supplier", logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:     *telEnabled,
		ServiceName: "ordermesh-supplier",
	})
	if err != nil {
		zlog.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer telShutdown(context.Background())

	catalog := defaultCatalog()
	if *catalogFile != "" {
		catalog, err = inventory.LoadCatalogFile(*catalogFile)
		if err != nil {
			zlog.Fatal("Failed to load catalog", zap.Error(err))
		}
	}

	jnl, err := journal.Open(*logDir, zlog)
	if err != nil {
		zlog.Fatal("Failed to open journal", zap.Error(err))
	}
	defer jnl.Close()

	endpoint, err := participant.NewEndpoint(catalog, participant.NewStagedStore(), jnl, zlog, tel.Meter)
	if err != nil {
		zlog.Fatal("Failed to initialize participant endpoint", zap.Error(err))
	}

	mux := http.NewServeMux()
	endpoint.Register(mux)
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
		zlog.Info("Supplier service listening",
			zap.Int("port", *port),
			zap.String("log_dir", *logDir))
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
