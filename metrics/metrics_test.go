package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
	"bdt/sn"
	"bdt/tunnel"
)

type fakeChannel struct {
	remote        bid.DeviceId
	dlCur, dlHist uint32
	ulCur, ulHist uint32
}

func (f *fakeChannel) Remote() bid.DeviceId            { return f.remote }
func (f *fakeChannel) DownloadSpeed() (uint32, uint32) { return f.dlCur, f.dlHist }
func (f *fakeChannel) UploadSpeed() (uint32, uint32)   { return f.ulCur, f.ulHist }

type fakePool struct{ counts map[bid.DeviceId]int }

func (p *fakePool) StreamCount(remote bid.DeviceId) int { return p.counts[remote] }

func idWithByte(b byte) bid.DeviceId {
	var id bid.DeviceId
	id[0] = b
	return id
}

func TestCollectorGathersChannelAndPoolMetrics(t *testing.T) {
	remote := idWithByte(0x07)
	ch := &fakeChannel{remote: remote, dlCur: 100, dlHist: 80, ulCur: 10, ulHist: 5}
	pool := &fakePool{counts: map[bid.DeviceId]int{remote: 3}}

	c := NewCollector(pool, nil)
	c.AddChannel(ch)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	assert.True(t, found["bdt_channel_download_speed_bytes"])
	assert.True(t, found["bdt_channel_upload_speed_bytes"])
	assert.True(t, found["bdt_pool_stream_count"])
}

func TestCollectorReportsDeadTunnelWithNoActiveEntry(t *testing.T) {
	remote := idWithByte(0x09)
	container := tunnel.NewContainer(remote, tunnel.Config{}, nil)

	c := NewCollector(nil, nil)
	c.AddTunnelContainer(container)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	var gotTunnelState bool
	for _, fam := range families {
		if fam.GetName() == "bdt_tunnel_state" {
			gotTunnelState = true
			require.Len(t, fam.GetMetric(), 1)
			assert.Equal(t, float64(tunnel.StateDead), fam.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, gotTunnelState)
}

func TestCollectorReportsSnStatus(t *testing.T) {
	clients := sn.NewPingClients(idWithByte(0x01), nil, nil, sn.Config{})

	c := NewCollector(nil, clients)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	var gotSnStatus bool
	for _, fam := range families {
		if fam.GetName() == "bdt_sn_status" {
			gotSnStatus = true
			assert.Equal(t, float64(sn.StatusConnecting), fam.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, gotSnStatus)
}
