// Command bdtnode is the BDT/NDN core's process entrypoint, grounded
// on cppla-moto's run.go: parse a config path, load it, rebuild the
// logger from it, bring up the long-running components, and block
// until they are torn down.
//
// This wires every component that already has a concrete production
// constructor: config, logging, the tracked chunk store, the
// Prometheus scrape endpoint, and the stream pool's listener side over
// a real *quic.Listener. The module has no raw UDP/TCP socket adapter
// implementing tunnel.Interface and no production sn.Transport, so
// neither is wired here; DESIGN.md's cmd section
// records that as the next increment above this entrypoint rather than
// something papered over here.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bdt/bid"
	"bdt/config"
	"bdt/logging"
	"bdt/metrics"
	"bdt/pool"
	"bdt/store"
	"bdt/tunnel"
)

// containerRegistry is the ContainerLookup pool.NewPool needs: the set
// of tunnel containers this node currently has open toward other
// devices. Populated as builds succeed elsewhere in the stack; empty
// at startup is a normal state for a freshly started node.
type containerRegistry struct {
	mu         sync.RWMutex
	containers map[bid.DeviceId]*tunnel.Container
}

func newContainerRegistry() *containerRegistry {
	return &containerRegistry{containers: make(map[bid.DeviceId]*tunnel.Container)}
}

func (r *containerRegistry) lookup(remote bid.DeviceId) *tunnel.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.containers[remote]
}

func (r *containerRegistry) put(c *tunnel.Container) {
	r.mu.Lock()
	r.containers[c.Remote()] = c
	r.mu.Unlock()
}

func listenerPort(addr net.Addr) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

func main() {
	confPath := flag.String("config", "", "path to config file")
	metricsAddr := flag.String("metrics-addr", ":9090", "address the Prometheus scrape endpoint listens on")
	poolAddr := flag.String("pool-addr", ":0", "address the pooled-stream QUIC listener binds to")
	flag.Parse()

	if *confPath != "" {
		if err := config.Reload(*confPath); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg := config.Global()
	logging.Reload(cfg.Log)
	log := logging.L()
	defer log.Sync()

	log.Info("bdtnode starting")

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal("opening store", zap.Error(err))
	}
	defer st.Close()

	registry := newContainerRegistry()

	poolLn, err := pool.ListenConfig(*poolAddr)
	if err != nil {
		log.Fatal("binding pool listener", zap.Error(err))
	}
	dialer := pool.NewQuicDialer(registry.lookup, pool.InsecureClientTLSConfig())
	poolCfg := pool.Config{
		Capacity:       cfg.Pool.Capacity,
		Backlog:        cfg.Pool.Backlog,
		AtomicInterval: cfg.Pool.AtomicInterval,
		Timeout:        cfg.Pool.Timeout,
	}
	boundPort, err := listenerPort(poolLn.Addr())
	if err != nil {
		log.Fatal("reading pool listener port", zap.Error(err))
	}
	p := pool.NewPool(boundPort, poolCfg, dialer, registry.lookup, poolLn)
	defer p.Close()

	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(p, nil)); err != nil {
		log.Fatal("registering metrics collector", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		log.Info("metrics endpoint listening", zap.String("addr", *metricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("bdtnode shutting down")
	wg.Wait()
}
