package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bus_messages_published_total", Help: "Messages accepted by the bus"},
		[]string{"type"},
	)
	MessagesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bus_messages_rejected_total", Help: "Publishes rejected as invalid"},
	)
	MessagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bus_messages_delivered_total", Help: "Handler invocations that completed"},
		[]string{"type"},
	)
	DeliveryFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bus_delivery_faults_total", Help: "Handler errors, panics and timeouts"},
		[]string{"type", "reason"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "bus_queue_depth", Help: "Messages waiting for dispatch"},
	)
	ForwardDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bus_forward_dropped_total", Help: "Messages not forwarded to the remote transport"},
	)

	Generation = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "engine_generation", Help: "Current generation of the evolution run"},
	)
	BestFitness = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "engine_best_fitness", Help: "Best scalar score of the last generation"},
	)
	Evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_evaluations_total", Help: "Genome evaluations by outcome"},
		[]string{"result"},
	)

	StoreWritesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "storage_writes_dropped_total", Help: "Async document writes dropped or failed"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "executor_orders_total", Help: "Orders filled by the executor"},
		[]string{"mode", "side"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesPublished, MessagesRejected, MessagesDelivered, DeliveryFaults, QueueDepth, ForwardDropped,
		Generation, BestFitness, Evaluations,
		StoreWritesDropped, OrdersTotal,
	)
}

// Serve binds addr and exposes /metrics in the background. Bind errors
// are returned; the returned server's Addr is the bound address.
func Serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("Metrics server stopped")
		}
	}()
	return srv, nil
}
