package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/DevNewbie1826/netpoll-httpcore/pkg/server"

// metrics exports Stats as observable gauges plus a served request counter.
// metrics는 Stats를 observable gauge로, 처리된 요청 수를 카운터로 내보냅니다.
type metrics struct {
	requests     metric.Int64Counter
	registration metric.Registration
}

func newMetrics(mp metric.MeterProvider, s *Server) (*metrics, error) {
	meter := mp.Meter(meterName)

	requests, err := meter.Int64Counter("httpcore.requests",
		metric.WithDescription("Requests served."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	gauge := func(name, desc string) metric.Int64ObservableGauge {
		g, gerr := meter.Int64ObservableGauge(name, metric.WithDescription(desc))
		err = errors.Join(err, gerr)
		return g
	}
	backlog := gauge("httpcore.pool.backlog", "Connections queued for a worker.")
	running := gauge("httpcore.pool.running", "Spawned workers.")
	idle := gauge("httpcore.pool.idle", "Workers waiting for work.")
	capacity := gauge("httpcore.pool.capacity", "Connections the pool can still take without queueing.")
	maxThreads := gauge("httpcore.pool.max", "Maximum number of workers.")
	parked := gauge("httpcore.reactor.connections", "Connections waiting in the reactor.")
	if err != nil {
		return nil, err
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := s.Stats()
		o.ObserveInt64(backlog, int64(st.Backlog))
		o.ObserveInt64(running, int64(st.Running))
		o.ObserveInt64(idle, int64(st.Idle))
		o.ObserveInt64(capacity, int64(st.PoolCapacity))
		o.ObserveInt64(maxThreads, int64(st.MaxThreads))
		o.ObserveInt64(parked, int64(st.Reactor))
		return nil
	}, backlog, running, idle, capacity, maxThreads, parked)
	if err != nil {
		return nil, err
	}

	return &metrics{requests: requests, registration: reg}, nil
}

func (m *metrics) served(ctx context.Context) {
	m.requests.Add(context.WithoutCancel(ctx), 1)
}

func (m *metrics) unregister() {
	_ = m.registration.Unregister()
}
