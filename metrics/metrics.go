// Package metrics exports spec §4.8's speed accounting and the rest of
// the stack's live connectivity state as Prometheus metrics, so an
// operator (or the admission control spec §4.8 hands this data to) can
// scrape process state without polling every package's own API.
//
// Grounded on runZeroInc-sockstats's pkg/exporter: a prometheus.Collector
// that pulls fresh values from live objects on every Collect call
// rather than having every package push updates into counters by hand.
// client_golang is a teacher go.mod dependency no teacher code ever
// imports; this package is its first use.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"bdt/bid"
	"bdt/sn"
	"bdt/tunnel"
)

// ChannelReporter is the slice of channel.Channel this package reads;
// kept narrow so metrics does not need to import channel directly and
// risk a cycle with packages channel itself depends on.
type ChannelReporter interface {
	Remote() bid.DeviceId
	DownloadSpeed() (current, history uint32)
	UploadSpeed() (current, history uint32)
}

// PoolReporter is the slice of pool.Pool this package reads.
type PoolReporter interface {
	StreamCount(remote bid.DeviceId) int
}

// Collector implements prometheus.Collector over the live state of a
// running node: per-channel speed, per-tunnel-container state, SN
// status, and pool occupancy.
type Collector struct {
	mu         sync.Mutex
	channels   map[string]ChannelReporter
	containers map[string]*tunnel.Container
	remotes    []bid.DeviceId
	pool       PoolReporter
	sn         *sn.PingClients

	downloadCur  *prometheus.Desc
	downloadHist *prometheus.Desc
	uploadCur    *prometheus.Desc
	uploadHist   *prometheus.Desc
	tunnelState  *prometheus.Desc
	snStatus     *prometheus.Desc
	poolStreams  *prometheus.Desc
}

// NewCollector builds a Collector. pool and sn may be nil if this
// process does not run either.
func NewCollector(pool PoolReporter, snClients *sn.PingClients) *Collector {
	return &Collector{
		channels:   make(map[string]ChannelReporter),
		containers: make(map[string]*tunnel.Container),
		pool:       pool,
		sn:         snClients,

		downloadCur:  prometheus.NewDesc("bdt_channel_download_speed_bytes", "Instantaneous download speed of one channel.", []string{"remote"}, nil),
		downloadHist: prometheus.NewDesc("bdt_channel_download_speed_history_bytes", "Historical average download speed of one channel.", []string{"remote"}, nil),
		uploadCur:    prometheus.NewDesc("bdt_channel_upload_speed_bytes", "Instantaneous upload speed of one channel.", []string{"remote"}, nil),
		uploadHist:   prometheus.NewDesc("bdt_channel_upload_speed_history_bytes", "Historical average upload speed of one channel.", []string{"remote"}, nil),
		tunnelState:  prometheus.NewDesc("bdt_tunnel_state", "Tunnel container state toward one remote device (0=connecting,1=active,2=dead).", []string{"remote"}, nil),
		snStatus:     prometheus.NewDesc("bdt_sn_status", "Super node client status (0=connecting,1=online,2=offline,3=stopped).", nil, nil),
		poolStreams:  prometheus.NewDesc("bdt_pool_stream_count", "Idle pooled streams held open toward one remote device.", []string{"remote"}, nil),
	}
}

// AddChannel registers a channel to be scraped. Safe to call from any
// goroutine; a channel is keyed by remote so re-adding replaces it.
func (c *Collector) AddChannel(ch ChannelReporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch.Remote().String()] = ch
}

func (c *Collector) RemoveChannel(remote bid.DeviceId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, remote.String())
}

// AddTunnelContainer registers a tunnel.Container to be scraped for
// its aggregate state.
func (c *Collector) AddTunnelContainer(container *tunnel.Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := container.Remote().String()
	if _, ok := c.containers[key]; !ok {
		c.remotes = append(c.remotes, container.Remote())
	}
	c.containers[key] = container
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.downloadCur
	descs <- c.downloadHist
	descs <- c.uploadCur
	descs <- c.uploadHist
	descs <- c.tunnelState
	descs <- c.snStatus
	descs <- c.poolStreams
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	channels := make([]ChannelReporter, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	containers := make([]*tunnel.Container, 0, len(c.containers))
	for _, ct := range c.containers {
		containers = append(containers, ct)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		remote := ch.Remote().String()[:16]
		dlCur, dlHist := ch.DownloadSpeed()
		ulCur, ulHist := ch.UploadSpeed()
		metrics <- prometheus.MustNewConstMetric(c.downloadCur, prometheus.GaugeValue, float64(dlCur), remote)
		metrics <- prometheus.MustNewConstMetric(c.downloadHist, prometheus.GaugeValue, float64(dlHist), remote)
		metrics <- prometheus.MustNewConstMetric(c.uploadCur, prometheus.GaugeValue, float64(ulCur), remote)
		metrics <- prometheus.MustNewConstMetric(c.uploadHist, prometheus.GaugeValue, float64(ulHist), remote)

		if c.pool != nil {
			n := c.pool.StreamCount(ch.Remote())
			metrics <- prometheus.MustNewConstMetric(c.poolStreams, prometheus.GaugeValue, float64(n), remote)
		}
	}

	for _, ct := range containers {
		remote := ct.Remote().String()[:16]
		var state tunnel.State
		if t := ct.Default(); t != nil {
			state = t.State().State
		} else {
			state = tunnel.StateDead
		}
		metrics <- prometheus.MustNewConstMetric(c.tunnelState, prometheus.GaugeValue, float64(state), remote)
	}

	if c.sn != nil {
		metrics <- prometheus.MustNewConstMetric(c.snStatus, prometheus.GaugeValue, float64(c.sn.Status()))
	}
}

var _ prometheus.Collector = (*Collector)(nil)
