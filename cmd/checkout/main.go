package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/storefront-checkout/internal/config"
	"github.com/joao-fontenele/storefront-checkout/internal/inventory"
	"github.com/joao-fontenele/storefront-checkout/internal/messaging"
	"github.com/joao-fontenele/storefront-checkout/internal/orders"
	"github.com/joao-fontenele/storefront-checkout/internal/payment"
	"github.com/joao-fontenele/storefront-checkout/internal/reconcile"
	"github.com/joao-fontenele/storefront-checkout/internal/telemetry"
)

const serviceName = "checkout"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, cfg.ServiceVersion, cfg.OTLPEndpoint, cfg.TracesSampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, cfg.ServiceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	db, err := telemetry.OpenDB(ctx, "postgres", cfg.PostgresURL, telemetry.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	var events orders.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = producer.Close() }()
		events = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events will not be published")
	}

	gateways := payment.NewRegistry(newGateways(cfg, logger)...)

	service, err := orders.NewService(db, gateways, events, logger)
	if err != nil {
		logger.Error("failed to create order service", "error", err)
		os.Exit(1)
	}
	reconciler, err := reconcile.New(db, service, gateways, cfg.PendingPaymentTTL, logger)
	if err != nil {
		logger.Error("failed to create reconciler", "error", err)
		os.Exit(1)
	}

	ordersHandler := orders.NewHandler(service, logger)
	stockHandler := inventory.NewHandler(inventory.NewLedger(db), logger)
	paymentsHandler := reconcile.NewHandler(reconciler, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(ordersHandler.HandleCreate))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(ordersHandler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(ordersHandler.HandleGet))
	mux.HandleFunc("PATCH /orders/{id}/status", telemetry.WithHTTPRoute(ordersHandler.HandleUpdateStatus))
	mux.HandleFunc("GET /variants/{id}/stock", telemetry.WithHTTPRoute(stockHandler.HandleGetStock))
	mux.HandleFunc("POST /payments/momo/ipn", telemetry.WithHTTPRoute(paymentsHandler.HandleMoMoIPN))
	mux.HandleFunc("GET /payments/vnpay/ipn", telemetry.WithHTTPRoute(paymentsHandler.HandleVNPayIPN))
	mux.HandleFunc("POST /payments/vnpay/ipn", telemetry.WithHTTPRoute(paymentsHandler.HandleVNPayIPN))
	mux.HandleFunc("GET /payments/vnpay/return", telemetry.WithHTTPRoute(paymentsHandler.HandleVNPayReturn))
	mux.HandleFunc("POST /admin/payments/expire", telemetry.WithHTTPRoute(paymentsHandler.HandleExpire))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/metrics"
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting checkout service", "port", cfg.Port, "gateways", gateways.Methods())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// newGateways returns an adapter for every gateway with credentials set.
func newGateways(cfg *config.Config, logger *slog.Logger) []payment.Adapter {
	var adapters []payment.Adapter

	if cfg.MoMo.Enabled() {
		client := &http.Client{
			Timeout:   cfg.MoMo.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		adapters = append(adapters, payment.NewMoMo(payment.MoMoConfig{
			PartnerCode: cfg.MoMo.PartnerCode,
			AccessKey:   cfg.MoMo.AccessKey,
			SecretKey:   cfg.MoMo.SecretKey,
			Endpoint:    cfg.MoMo.Endpoint,
			RedirectURL: cfg.MoMo.RedirectURL,
			IPNURL:      cfg.MoMo.IPNURL,
			RequestType: cfg.MoMo.RequestType,
		}, client))
	} else {
		logger.Warn("MoMo credentials not set, gateway disabled")
	}

	if cfg.VNPay.Enabled() {
		adapters = append(adapters, payment.NewVNPay(payment.VNPayConfig{
			TmnCode:     cfg.VNPay.TmnCode,
			HashSecret:  cfg.VNPay.HashSecret,
			PayURL:      cfg.VNPay.PayURL,
			ReturnURL:   cfg.VNPay.ReturnURL,
			Version:     cfg.VNPay.Version,
			Locale:      cfg.VNPay.Locale,
			ExpireAfter: cfg.VNPay.ExpireAfter,
		}))
	} else {
		logger.Warn("VNPay credentials not set, gateway disabled")
	}

	return adapters
}
