// Package zinometrics exposes the daemon's operational state as Prometheus
// metrics: event store population, polling activity, trap reception and
// notify channel pressure.
package zinometrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/pm"
	"github.com/dantte-lp/gozino/internal/scheduler"
	"github.com/dantte-lp/gozino/internal/trapd"
)

const namespace = "zino"

// Sources are the live stores the collector reads. All reads go through
// each store's own synchronization; a scrape never blocks pollers.
type Sources struct {
	Events    *event.Store
	Registry  *device.Registry
	PMs       *pm.Store
	Scheduler *scheduler.Scheduler
	Traps     *trapd.Stats
	// NotifyDrops reports total lines scavenged from slow notify clients.
	NotifyDrops func() uint64
}

// Collector holds the registered metrics.
type Collector struct {
	OpenEvents          prometheus.GaugeFunc
	Devices             prometheus.GaugeFunc
	PlannedMaintenances prometheus.GaugeFunc

	PollRuns     prometheus.CounterFunc
	PollFailures prometheus.CounterFunc

	TrapsReceived      prometheus.CounterFunc
	TrapsUnknownSource prometheus.CounterFunc
	TrapsBadCommunity  prometheus.CounterFunc
	TrapsUnhandled     prometheus.CounterFunc

	NotifyScavenged prometheus.CounterFunc
}

// NewCollector registers the zino metrics against reg. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer, src Sources) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		OpenEvents: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_events",
			Help:      "Number of non-closed events in the store.",
		}, func() float64 { return float64(len(src.Events.OpenIDs())) }),

		Devices: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Number of devices in the polling registry.",
		}, func() float64 { return float64(src.Registry.Len()) }),

		PlannedMaintenances: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "planned_maintenances",
			Help:      "Number of registered planned maintenance windows.",
		}, func() float64 { return float64(len(src.PMs.IDs())) }),

		PollRuns: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_runs_total",
			Help:      "Total polling task executions.",
		}, func() float64 { return float64(src.Scheduler.Runs()) }),

		PollFailures: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Total polling task executions that returned an error.",
		}, func() float64 { return float64(src.Scheduler.Failures()) }),

		TrapsReceived: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_received_total",
			Help:      "Total SNMP traps received.",
		}, func() float64 { return float64(src.Traps.Received.Load()) }),

		TrapsUnknownSource: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_unknown_source_total",
			Help:      "Traps dropped because the source matched no device.",
		}, func() float64 { return float64(src.Traps.UnknownSource.Load()) }),

		TrapsBadCommunity: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_bad_community_total",
			Help:      "Traps dropped by the community filter.",
		}, func() float64 { return float64(src.Traps.BadCommunity.Load()) }),

		TrapsUnhandled: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_unhandled_total",
			Help:      "Traps with no handler for their trap OID.",
		}, func() float64 { return float64(src.Traps.Unhandled.Load()) }),

		NotifyScavenged: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_scavenged_total",
			Help:      "Notify lines dropped from slow client queues.",
		}, func() float64 { return float64(src.NotifyDrops()) }),
	}

	reg.MustRegister(
		c.OpenEvents,
		c.Devices,
		c.PlannedMaintenances,
		c.PollRuns,
		c.PollFailures,
		c.TrapsReceived,
		c.TrapsUnknownSource,
		c.TrapsBadCommunity,
		c.TrapsUnhandled,
		c.NotifyScavenged,
	)
	return c
}
