// Package metrics exports the multiplexer counters to Prometheus.
//
// Counters are read from a util.Counters at scrape time, so the session loop
// never touches a Prometheus type. Metric names follow the pattern
// {namespace}_{name}:
//
//	chanmux_channels_opened_total
//	chanmux_channels_ended_total
//	chanmux_channels_freed_total
//	chanmux_channel_timeouts_total
//	chanmux_retransmits_total
//	chanmux_id_rejects_total
//	chanmux_release_requests_total
//	chanmux_packets_total{direction="sent|recv"}
//	chanmux_bytes_total{direction="sent|recv"}
//	chanmux_channels_live
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/chanmux/internal/util"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "chanmux"

type counterDesc struct {
	desc *prometheus.Desc
	v    *atomic.Int64
}

// Collector implements prometheus.Collector over a util.Counters.
type Collector struct {
	counters []counterDesc
	packets  *prometheus.Desc
	bytes    *prometheus.Desc
	live     *prometheus.Desc
	c        *util.Counters
}

// Ensure Collector implements prometheus.Collector.
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector reading c. If namespace is empty,
// DefaultNamespace is used; if c is nil, util.Stats is used.
func NewCollector(namespace string, c *util.Counters) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if c == nil {
		c = util.Stats
	}

	counter := func(name, help string, v *atomic.Int64) counterDesc {
		return counterDesc{
			desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			v:    v,
		}
	}

	return &Collector{
		counters: []counterDesc{
			counter("channels_opened_total", "Total number of channels created, local or remote", &c.ChannelsOpened),
			counter("channels_ended_total", "Total number of channels that reached ENDED", &c.ChannelsEnded),
			counter("channels_freed_total", "Total number of channels released from every registry", &c.ChannelsFreed),
			counter("channel_timeouts_total", "Total number of channels ended by the liveness timeout", &c.Timeouts),
			counter("retransmits_total", "Total number of reliable packets sent again", &c.Retransmits),
			counter("id_rejects_total", "Total number of inbound packets dropped by parity or replay checks", &c.IDRejects),
			counter("release_requests_total", "Total number of frees deferred because a holder was attached", &c.ReleaseRequests),
		},
		packets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "packets_total"),
			"Total number of packets on the link by direction",
			[]string{"direction"}, nil,
		),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_total"),
			"Total bytes on the link by direction",
			[]string{"direction"}, nil,
		),
		live: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "channels_live"),
			"Number of channels created and not yet freed",
			nil, nil,
		),
		c: c,
	}
}

// Describe implements prometheus.Collector.
func (m *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range m.counters {
		ch <- cd.desc
	}
	ch <- m.packets
	ch <- m.bytes
	ch <- m.live
}

// Collect implements prometheus.Collector.
func (m *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, cd := range m.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.v.Load()))
	}
	ch <- prometheus.MustNewConstMetric(m.packets, prometheus.CounterValue, float64(m.c.PacketsSent.Load()), "sent")
	ch <- prometheus.MustNewConstMetric(m.packets, prometheus.CounterValue, float64(m.c.PacketsRecv.Load()), "recv")
	ch <- prometheus.MustNewConstMetric(m.bytes, prometheus.CounterValue, float64(m.c.BytesSent.Load()), "sent")
	ch <- prometheus.MustNewConstMetric(m.bytes, prometheus.CounterValue, float64(m.c.BytesRecv.Load()), "recv")

	live := m.c.ChannelsOpened.Load() - m.c.ChannelsFreed.Load()
	ch <- prometheus.MustNewConstMetric(m.live, prometheus.GaugeValue, float64(live))
}

// Handler returns an HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve registers a collector for c on a fresh registry and serves it on
// addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, c *util.Counters) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector("", c)); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
