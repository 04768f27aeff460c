// Package metrics exports the caster's admission counters and per-mountpoint
// byte counters as Prometheus metrics.
package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zbum/ntripcaster/internal/caster"
)

// Sink implements caster.MetricsSink backed by Prometheus collectors.
type Sink struct {
	connTotal    *prometheus.CounterVec
	connRejected *prometheus.CounterVec
	connClosed   *prometheus.CounterVec
	agentsGauge  *prometheus.GaugeVec
	bytesIn      *prometheus.CounterVec
	bytesOut     *prometheus.CounterVec
}

// New registers the caster's collectors against a fresh registry and
// returns the Sink plus an http.Handler for /metrics.
func New() (*Sink, http.Handler) {
	reg := prometheus.NewRegistry()
	s := &Sink{
		connTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ntripcaster", Name: "connections_accepted_total",
			Help: "Connections admitted into a role.",
		}, []string{"role"}),
		connRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ntripcaster", Name: "connections_rejected_total",
			Help: "Connections refused at the pending cap on accept; client/source cap, uniqueness and auth rejections are not counted here.",
		}, []string{"role"}),
		connClosed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ntripcaster", Name: "connections_closed_total",
			Help: "Agents terminated, by the role they held at close.",
		}, []string{"role"}),
		agentsGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ntripcaster", Name: "agents",
			Help: "Live agent count by role (mirrors the admission counters).",
		}, []string{"role"}),
		bytesIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ntripcaster", Name: "bytes_in_total",
			Help: "Bytes read from a SOURCE, by mountpoint.",
		}, []string{"mountpoint"}),
		bytesOut: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "ntripcaster", Name: "bytes_out_total",
			Help: "Bytes fanned out to CLIENTs, by mountpoint.",
		}, []string{"mountpoint"}),
	}
	return s, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing the metrics handler until ctx is
// cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("metrics server starting", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Sink) ConnAccepted(role caster.Role) { s.connTotal.WithLabelValues(role.String()).Inc() }
func (s *Sink) ConnRejected(role caster.Role) { s.connRejected.WithLabelValues(role.String()).Inc() }
func (s *Sink) ConnClosed(role caster.Role)   { s.connClosed.WithLabelValues(role.String()).Inc() }

func (s *Sink) BytesIn(mountpoint string, n int) {
	s.bytesIn.WithLabelValues(mountpoint).Add(float64(n))
}

func (s *Sink) BytesOut(mountpoint string, n int) {
	s.bytesOut.WithLabelValues(mountpoint).Add(float64(n))
}

func (s *Sink) SetGauge(role caster.Role, count int) {
	s.agentsGauge.WithLabelValues(role.String()).Set(float64(count))
}
