// Package tunnelbuilder implements spec §4.5: the build protocol that
// turns a set of candidate endpoints (and, failing those, a set of
// proxy/PN relays) into one active Tunnel inside a Container.
//
// Grounded on original_source's
// tunnel/builder/connect_tunnel/builder.rs (the Connecting/Establish/
// Closed state machine, elapsed-time accounting since start_at) and
// tunnel/builder/connect_stream/tcp.rs (racing multiple interfaces and
// handing off whichever TCP interface reached PreEstablish but lost
// the race, instead of dropping it).
package tunnelbuilder

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bdt/bid"
	"bdt/errs"
	"bdt/logging"
	"bdt/tunnel"
	"go.uber.org/zap"
)

// State mirrors ConnectTunnelBuilderState from the Rust source.
type State int

const (
	StateConnecting State = iota
	StateEstablish
	StateClosed
)

// Dialer reaches one remote endpoint directly (spec §4.5's "parallel
// endpoint racing").
type Dialer interface {
	DialUDP(ctx context.Context, remote bid.Endpoint) (tunnel.Tunnel, error)
	DialTCP(ctx context.Context, remote bid.Endpoint) (tunnel.Tunnel, error)
}

// ProxyDialer reaches the remote device indirectly through a
// known-reachable relay device, for when every direct endpoint fails
// (spec §4.5's SN/PN proxy fallback).
type ProxyDialer interface {
	DialViaProxy(ctx context.Context, proxy bid.DeviceId, remote bid.Endpoint) (tunnel.Tunnel, error)
}

// Result is what Build ultimately settles on.
type Result struct {
	Tunnel   tunnel.Tunnel
	Endpoint bid.Endpoint // the candidate endpoint that won the race, zero value for a proxy result
	Proxy    bid.DeviceId // zero value when no proxy was needed
}

// Builder drives one build attempt for one Container, racing every
// candidate endpoint and falling back to proxies in order.
type Builder struct {
	container   *tunnel.Container
	dialer      Dialer
	proxyDialer ProxyDialer
	memo        *EndpointMemo
	startAt     time.Time
	log         *zap.Logger

	mu       sync.Mutex
	state    State
	proxyErr error // accumulated proxy-fallback failures, per attempt
	waiters  []chan buildOutcome
}

type buildOutcome struct {
	result *Result
	err    error
}

func NewBuilder(container *tunnel.Container, dialer Dialer, proxyDialer ProxyDialer) *Builder {
	return &Builder{
		container:   container,
		dialer:      dialer,
		proxyDialer: proxyDialer,
		startAt:     time.Now(),
		log:         logging.L().With(zap.String("component", "tunnelbuilder"), zap.String("remote", container.Remote().String()[:16])),
		state:       StateConnecting,
	}
}

// SetEndpointMemo wires an EndpointMemo shared across builders for the
// same process, so Build can try a remembered winning endpoint first.
func (b *Builder) SetEndpointMemo(memo *EndpointMemo) {
	b.memo = memo
}

// Escaped returns how long this builder has been trying, per spec
// §4.5's build-timeout accounting.
func (b *Builder) Escaped() time.Duration { return time.Since(b.startAt) }

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Build races every candidate endpoint over both UDP and TCP; the
// first to establish wins, and any TCP dial that was still connecting
// when a sibling won is handed off to the container as a non-default
// tunnel instead of being torn down, so the work already done on it
// is not wasted (the "hand-off raced-out TCP interface" feature).
// If every endpoint fails, Build falls back to proxies in order.
func (b *Builder) Build(ctx context.Context, endpoints []bid.Endpoint, proxies []bid.DeviceId) (*Result, error) {
	if res, err := b.raceEndpoints(ctx, endpoints); err == nil {
		b.establish(res)
		return res, nil
	}

	for _, proxy := range proxies {
		res, err := b.tryProxy(ctx, proxy, endpoints)
		if err != nil {
			b.recordProxyFailure(err)
			continue
		}
		b.establish(res)
		return res, nil
	}

	b.close()
	return nil, errs.Wrap(errs.Failed, "tunnelbuilder: no endpoint or proxy reached the remote", b.proxyErr)
}

// tryMemoized dials only the endpoint remembered from a previous
// winning Build for this remote, skipping the full race. Returns
// ok=false if there was nothing memoized or the dial failed, in which
// case the caller falls back to racing every candidate.
func (b *Builder) tryMemoized(ctx context.Context, endpoints []bid.Endpoint) (*Result, bool) {
	if b.memo == nil {
		return nil, false
	}
	winner, ok := b.memo.recall(b.container.Remote())
	if !ok {
		return nil, false
	}
	found := false
	for _, ep := range endpoints {
		if ep.Equal(winner) {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}

	var t tunnel.Tunnel
	var err error
	if winner.IsUDP() {
		t, err = b.dialer.DialUDP(ctx, winner)
	} else {
		t, err = b.dialer.DialTCP(ctx, winner)
	}
	if err != nil {
		return nil, false
	}
	return &Result{Tunnel: t, Endpoint: winner}, true
}

func (b *Builder) raceEndpoints(ctx context.Context, endpoints []bid.Endpoint) (*Result, error) {
	if res, ok := b.tryMemoized(ctx, endpoints); ok {
		return res, nil
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(raceCtx)
	winner := make(chan *Result, 1)
	var losersMu sync.Mutex
	var losers []tunnel.Tunnel

	for _, ep := range endpoints {
		ep := ep
		if ep.IsUDP() {
			g.Go(func() error {
				t, err := b.dialer.DialUDP(gctx, ep)
				if err != nil {
					return nil
				}
				select {
				case winner <- &Result{Tunnel: t, Endpoint: ep}:
				default:
					t.Reset()
				}
				return nil
			})
		} else {
			g.Go(func() error {
				t, err := b.dialer.DialTCP(gctx, ep)
				if err != nil {
					return nil
				}
				select {
				case winner <- &Result{Tunnel: t, Endpoint: ep}:
				default:
					// lost the race but the handshake already
					// finished: keep it as a secondary tunnel rather
					// than discard the completed work.
					losersMu.Lock()
					losers = append(losers, t)
					losersMu.Unlock()
				}
				return nil
			})
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	// handOff adds the winner before any raced-out TCP tunnel, so the
	// winner is the one the container promotes to default.
	handOff := func(res *Result) {
		b.container.Add(bid.EndpointPair{Local: res.Tunnel.Local(), Remote: res.Tunnel.Remote()}.Key(), res.Tunnel)
		for _, t := range losers {
			b.container.Add(bid.EndpointPair{Local: t.Local(), Remote: t.Remote()}.Key(), t)
		}
	}

	select {
	case res := <-winner:
		cancel()
		<-done
		handOff(res)
		return res, nil
	case <-done:
		select {
		case res := <-winner:
			handOff(res)
			return res, nil
		default:
			return nil, errs.New(errs.Timeout, "tunnelbuilder: every endpoint failed")
		}
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Interrupted, "tunnelbuilder: build aborted", ctx.Err())
	}
}

func (b *Builder) tryProxy(ctx context.Context, proxy bid.DeviceId, endpoints []bid.Endpoint) (*Result, error) {
	if len(endpoints) == 0 {
		return nil, errs.New(errs.InvalidInput, "tunnelbuilder: no endpoint to proxy toward")
	}
	t, err := b.proxyDialer.DialViaProxy(ctx, proxy, endpoints[0])
	if err != nil {
		return nil, err
	}
	return &Result{Tunnel: t, Proxy: proxy}, nil
}

func (b *Builder) recordProxyFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proxyErr == nil {
		b.proxyErr = err
	} else {
		b.proxyErr = errs.Wrap(errs.Failed, b.proxyErr.Error(), err)
	}
}

func (b *Builder) establish(res *Result) {
	b.container.Add(bid.EndpointPair{Local: res.Tunnel.Local(), Remote: res.Tunnel.Remote()}.Key(), res.Tunnel)
	if b.memo != nil && res.Proxy == (bid.DeviceId{}) {
		b.memo.remember(b.container.Remote(), res.Endpoint)
	}

	b.mu.Lock()
	b.state = StateEstablish
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()
	for _, w := range waiters {
		w <- buildOutcome{result: res}
		close(w)
	}
	b.log.Info("tunnel established", zap.Duration("escaped", b.Escaped()))
}

func (b *Builder) close() {
	b.mu.Lock()
	b.state = StateClosed
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()
	for _, w := range waiters {
		w <- buildOutcome{err: errs.New(errs.Timeout, "tunnelbuilder: closed")}
		close(w)
	}
}
