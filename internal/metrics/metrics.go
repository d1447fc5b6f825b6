package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry with the server's instruments. A nil
// *Collector is valid and records nothing.
type Collector struct {
	reg             *prometheus.Registry
	toolCalls       *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	eventsDelivered prometheus.Counter
	spawns          *prometheus.CounterVec
	sessions        *prometheus.GaugeVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentline_tool_calls_total",
			Help: "Tool calls handled by the protocol server.",
		}, []string{"tool", "result"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentline_events_published_total",
			Help: "Events published on the bus.",
		}, []string{"type"}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentline_events_delivered_total",
			Help: "Pending events enqueued for subscribers.",
		}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentline_spawns_total",
			Help: "Agent process spawns.",
		}, []string{"provider", "result"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentline_protocol_sessions",
			Help: "Open protocol sessions.",
		}, []string{"transport"}),
	}
	c.reg.MustRegister(
		c.toolCalls,
		c.eventsPublished,
		c.eventsDelivered,
		c.spawns,
		c.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) ToolCall(tool string, isError bool) {
	if c == nil {
		return
	}
	result := "ok"
	if isError {
		result = "error"
	}
	c.toolCalls.WithLabelValues(tool, result).Inc()
}

// EventPublished matches the bus OnPublish hook.
func (c *Collector) EventPublished(evtType string, delivered int) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(evtType).Inc()
	c.eventsDelivered.Add(float64(delivered))
}

func (c *Collector) Spawn(provider string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.spawns.WithLabelValues(provider, result).Inc()
}

func (c *Collector) SessionOpened(transport string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(transport).Inc()
}

func (c *Collector) SessionClosed(transport string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(transport).Dec()
}
