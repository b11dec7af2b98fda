package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeBrosOfficial/redisbridge/pkg/dispatch"
	"github.com/DeBrosOfficial/redisbridge/pkg/transport"
)

type Prom struct {
	reg *prometheus.Registry

	TransportState  prometheus.Gauge
	Reconnects      prometheus.Counter
	FramesReceived  prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	DecodeFailures  prometheus.Counter
	HandlerErrors   prometheus.Counter
	HandlerLatency  prometheus.Histogram
	Publishes       prometheus.Counter
	PublishFailures prometheus.Counter
	PoolInUse       prometheus.Gauge
	SubscribeAcks   prometheus.Counter
	AcksSent        prometheus.Counter
	AckTimeouts     prometheus.Counter
}

func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	p := &Prom{
		reg:             reg,
		TransportState:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "redisbridge_transport_state", Help: "Subscribe connection state code"}),
		Reconnects:      prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_reconnect_attempts_total", Help: "Failed connect attempts followed by a backoff wait"}),
		FramesReceived:  prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_frames_received_total", Help: "Inbound frames read off the subscribe connection"}),
		FramesDropped:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "redisbridge_frames_dropped_total", Help: "Inbound frames dropped before delivery"}, []string{"reason"}),
		DecodeFailures:  prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_decode_failures_total", Help: "Inbound frames that matched no descriptor"}),
		HandlerErrors:   prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_handler_errors_total", Help: "Handler invocations that failed or panicked"}),
		HandlerLatency:  prometheus.NewHistogram(prometheus.HistogramOpts{Name: "redisbridge_handler_latency_seconds", Help: "Handler invocation latency", Buckets: prometheus.DefBuckets}),
		Publishes:       prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_publishes_total", Help: "Messages published"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_publish_failures_total", Help: "Publish calls that failed"}),
		PoolInUse:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "redisbridge_pool_in_use", Help: "Publish connections currently leased"}),
		SubscribeAcks:   prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_subscribe_acks_total", Help: "Subscribe confirmations from the server"}),
		AcksSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_acks_sent_total", Help: "Delivery acknowledgements sent to publishers"}),
		AckTimeouts:     prometheus.NewCounter(prometheus.CounterOpts{Name: "redisbridge_ack_timeouts_total", Help: "Acknowledged publishes that got no ack in time"}),
	}
	reg.MustRegister(p.TransportState, p.Reconnects, p.FramesReceived, p.FramesDropped, p.DecodeFailures,
		p.HandlerErrors, p.HandlerLatency, p.Publishes, p.PublishFailures, p.PoolInUse,
		p.SubscribeAcks, p.AcksSent, p.AckTimeouts)
	return p
}

func (p *Prom) Handler() http.Handler { return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{}) }

// Registry exposes the underlying registry for callers adding their own
// collectors.
func (p *Prom) Registry() *prometheus.Registry { return p.reg }

// TransportHooks feeds transport events into the collectors.
func (p *Prom) TransportHooks() transport.Hooks {
	return transport.Hooks{
		OnStateChange: func(_, to transport.State) { p.TransportState.Set(float64(to)) },
		OnReconnect:   func(int, time.Duration, error) { p.Reconnects.Inc() },
		OnFrame:       func(transport.Frame) { p.FramesReceived.Inc() },
		OnAck:         func(string) { p.SubscribeAcks.Inc() },
	}
}

// DispatchHooks feeds dispatcher events into the collectors.
func (p *Prom) DispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnDrop:          func(reason string, _ transport.Frame) { p.FramesDropped.WithLabelValues(reason).Inc() },
		OnDecodeFailure: func(transport.Frame, error) { p.DecodeFailures.Inc() },
		OnHandled: func(_ string, elapsed time.Duration, err error) {
			p.HandlerLatency.Observe(elapsed.Seconds())
			if err != nil {
				p.HandlerErrors.Inc()
			}
		},
	}
}

// ObservePublish counts one publish outcome.
func (p *Prom) ObservePublish(err error) {
	p.Publishes.Inc()
	if err != nil {
		p.PublishFailures.Inc()
	}
}

// SetPoolInUse records the current lease count.
func (p *Prom) SetPoolInUse(n int64) { p.PoolInUse.Set(float64(n)) }
