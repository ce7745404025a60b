// Package metrics holds the Prometheus collectors shared by both binaries.
// There is no package-level registry: each binary builds one Registry with
// NewRegistry, and tests construct their own Registry and bind it to a
// session instead of touching package state.
package metrics

import (
	"log"
	"net/http"

	"github.com/grafana/pyroscope-go/godeltaprof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles a Prometheus registry with the collectors this tunnel
// exposes. One Registry is shared by every session a process runs.
type Registry struct {
	reg *prometheus.Registry

	ChannelsOpened    prometheus.Counter
	ChannelsClosed    prometheus.Counter
	ChannelsActive    prometheus.Gauge
	FramesByType      *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	ConnectFailures   prometheus.Counter
	Reconnects        prometheus.Counter
	RateLimited       prometheus.Counter
	AcceptRateLimited prometheus.Counter
}

// NewRegistry builds a fresh Registry with all collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ChannelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_channels_opened_total",
			Help: "Total channels opened over the lifetime of the process.",
		}),
		ChannelsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_channels_closed_total",
			Help: "Total channels closed over the lifetime of the process.",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_channels_active",
			Help: "Channels currently open.",
		}),
		FramesByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_frames_total",
			Help: "Frames processed, by frame type.",
		}, []string{"type"}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_bytes_total",
			Help: "Bytes transferred, by direction.",
		}, []string{"direction"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_auth_failures_total",
			Help: "Handshake authentication failures.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_connect_failures_total",
			Help: "CONNECT frames that resulted in CONNECT_FAIL.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_reconnects_total",
			Help: "Relay reconnect attempts.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_connect_rate_limited_total",
			Help: "CONNECT frames rejected by the server-wide rate limiter.",
		}),
		AcceptRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_accept_rate_limited_total",
			Help: "Relay inbound connections rejected by the listener accept rate limiter.",
		}),
	}

	reg.MustRegister(
		r.ChannelsOpened, r.ChannelsClosed, r.ChannelsActive,
		r.FramesByType, r.BytesTransferred, r.AuthFailures,
		r.ConnectFailures, r.Reconnects, r.RateLimited, r.AcceptRateLimited,
	)
	return r
}

// Handler serves /metrics plus godeltaprof's delta heap/mutex profile
// handlers, so a scraper can pull both counters and continuous-profiling
// deltas from the same listener (cmd/tunnel-relay and cmd/tunnel-server
// serve it with http.ListenAndServe on observability.metrics_listen).
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	heapProfiler := godeltaprof.NewHeapProfiler()
	mux.HandleFunc("/debug/pprof/delta/heap", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := heapProfiler.Profile(w); err != nil {
			log.Printf("metrics: heap delta profile: %v", err)
		}
	})

	mutexProfiler := godeltaprof.NewMutexProfiler()
	mux.HandleFunc("/debug/pprof/delta/mutex", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := mutexProfiler.Profile(w); err != nil {
			log.Printf("metrics: mutex delta profile: %v", err)
		}
	})

	return mux
}
