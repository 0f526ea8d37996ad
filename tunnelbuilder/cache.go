package tunnelbuilder

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"bdt/bid"
)

// EndpointMemo remembers, per remote device, the endpoint a previous
// Build last won on, so a later Build toward the same remote tries it
// first instead of racing the full candidate list cold again. Grounded
// on the teacher's per-target prewarm/accelerator caches (go-cache
// holding a short-TTL memo keyed by destination), generalized here to
// a tunnel endpoint instead of a warm TCP connection.
type EndpointMemo struct {
	cache *gocache.Cache
}

// NewEndpointMemo builds a memo whose entries expire after ttl.
func NewEndpointMemo(ttl time.Duration) *EndpointMemo {
	return &EndpointMemo{cache: gocache.New(ttl, 2*ttl)}
}

func (m *EndpointMemo) remember(remote bid.DeviceId, ep bid.Endpoint) {
	m.cache.Set(remote.String(), ep, gocache.DefaultExpiration)
}

func (m *EndpointMemo) recall(remote bid.DeviceId) (bid.Endpoint, bool) {
	v, ok := m.cache.Get(remote.String())
	if !ok {
		return bid.Endpoint{}, false
	}
	return v.(bid.Endpoint), true
}
