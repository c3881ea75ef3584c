package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveBuses prometheus.Gauge
	Subscribers prometheus.Gauge

	Ticks             prometheus.Counter
	BusTickErrs       prometheus.Counter
	SnapshotsWritten  prometheus.Counter
	SnapshotBatchErrs prometheus.Counter

	Broadcasts   prometheus.Counter
	SendFailures prometheus.Counter
	WSMessages   *prometheus.CounterVec // type label: ping|get_all_buses|subscribe_bus|get_alerts|unknown|invalid

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration      prometheus.Histogram
	BroadcastDuration prometheus.Histogram
	PublishDuration   prometheus.Histogram

	TickInterval      prometheus.Gauge // seconds
	TickMinutes       prometheus.Gauge
	BroadcastInterval prometheus.Gauge // seconds
}

func NewCollector(tickInterval time.Duration, tickMinutes float64, broadcastInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_active_buses",
			Help: "Number of buses currently simulated.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_subscribers",
			Help: "Number of connected live-update subscribers.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_ticks_total",
			Help: "Total simulation ticks.",
		}),
		BusTickErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_bus_tick_errors_total",
			Help: "Total per-bus failures while advancing a tick.",
		}),
		SnapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_snapshots_written_total",
			Help: "Total location snapshots persisted.",
		}),
		SnapshotBatchErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_snapshot_batch_errors_total",
			Help: "Total snapshot batches that failed to commit.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_broadcasts_total",
			Help: "Total live-update broadcast rounds.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_send_failures_total",
			Help: "Total subscriber sends that failed or timed out.",
		}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustrack_ws_messages_total",
			Help: "Inbound websocket messages by type.",
		}, []string{"type"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustrack_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_tick_duration_seconds",
			Help:    "Duration of a simulation tick including persistence.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_broadcast_duration_seconds",
			Help:    "Duration of one broadcast round across all subscribers.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustrack_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_tick_interval_seconds",
			Help: "Wall-clock seconds between simulation ticks.",
		}),
		TickMinutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_tick_simulated_minutes",
			Help: "Simulated minutes per tick.",
		}),
		BroadcastInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustrack_broadcast_interval_seconds",
			Help: "Seconds between live-update broadcasts.",
		}),
	}

	reg.MustRegister(
		c.ActiveBuses, c.Subscribers,
		c.Ticks, c.BusTickErrs, c.SnapshotsWritten, c.SnapshotBatchErrs,
		c.Broadcasts, c.SendFailures, c.WSMessages,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.BroadcastDuration, c.PublishDuration,
		c.TickInterval, c.TickMinutes, c.BroadcastInterval,
	)

	c.TickInterval.Set(tickInterval.Seconds())
	c.TickMinutes.Set(tickMinutes)
	c.BroadcastInterval.Set(broadcastInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
