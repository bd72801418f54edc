package easyraffle

import (
	"math/big"
	"net/http"
	"sort"
	"sync"

	"github.com/dedis/raffle/lottery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "easyraffle"

// metrics are kept per service, every series carries the node address.
type metrics struct {
	registry           *prometheus.Registry
	entries            prometheus.Counter
	requests           prometheus.Counter
	rounds             prometheus.Counter
	settlementFailures prometheus.Counter
	pool               prometheus.Gauge
	players            prometheus.Gauge
}

func newMetrics(node string) *metrics {
	labels := prometheus.Labels{"node": node}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "entries_total",
			Help:        "number of accepted entries",
			ConstLabels: labels,
		}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "randomness_requests_total",
			Help:        "number of randomness requests issued",
			ConstLabels: labels,
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rounds_settled_total",
			Help:        "number of rounds paid out",
			ConstLabels: labels,
		}),
		settlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "settlement_failures_total",
			Help:        "number of fulfillments rolled back because the payout failed",
			ConstLabels: labels,
		}),
		pool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_wei",
			Help:        "current pool balance in wei",
			ConstLabels: labels,
		}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "players",
			Help:        "current roster size",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.entries, m.requests, m.rounds,
		m.settlementFailures, m.pool, m.players)
	registries.set(node, m.registry)
	return m
}

func (m *metrics) observe(ev lottery.Event, machine *lottery.Machine) {
	switch ev.Kind {
	case lottery.EventEntered:
		m.entries.Inc()
	case lottery.EventRequestedWinner:
		m.requests.Inc()
	case lottery.EventWinnerPicked:
		m.rounds.Inc()
	}
	m.setPool(machine)
}

func (m *metrics) setPool(machine *lottery.Machine) {
	f, _ := new(big.Float).SetInt(machine.Balance()).Float64()
	m.pool.Set(f)
	m.players.Set(float64(machine.NumPlayers()))
}

// registryList holds one registry per node; a service restarted in the same
// process replaces the registry of its previous instance.
type registryList struct {
	sync.Mutex
	byNode map[string]*prometheus.Registry
}

func (r *registryList) set(node string, reg *prometheus.Registry) {
	r.Lock()
	defer r.Unlock()
	if r.byNode == nil {
		r.byNode = make(map[string]*prometheus.Registry)
	}
	r.byNode[node] = reg
}

func (r *registryList) gatherers() prometheus.Gatherers {
	r.Lock()
	defer r.Unlock()
	nodes := make([]string, 0, len(r.byNode))
	for n := range r.byNode {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	g := make(prometheus.Gatherers, len(nodes))
	for i, n := range nodes {
		g[i] = r.byNode[n]
	}
	return g
}

var registries = &registryList{}

// MetricsHandler serves the metrics of every service of this process.
func MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		promhttp.HandlerFor(registries.gatherers(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
