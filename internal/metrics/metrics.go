// Package metrics binds the gateway's connection, message and query
// families to a registry and hands out handles pre-bound to one traffic
// scope (internal or external).
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const (
	labelScope  = "scope"
	labelStatus = "status"
)

// Config holds the registered metric families. It is created once at
// startup by RegisterInto and shared by every Metrics value built from it.
type Config struct {
	activeConnections *prometheus.GaugeVec
	connectionStatus  *prometheus.CounterVec
	messageStatus     *prometheus.CounterVec
	queryStatus       *prometheus.CounterVec
}

// RegisterInto declares the families and registers them into reg. A name
// that is already registered is returned as an error; callers must treat
// it as fatal.
func RegisterInto(reg prometheus.Registerer) (*Config, error) {
	cfg := &Config{
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mz_active_connections",
			Help: "Number of currently open connections",
		}, []string{labelScope}),
		connectionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mz_connection_status",
			Help: "Connection attempts by outcome",
		}, []string{labelScope, labelStatus}),
		messageStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mz_message_status",
			Help: "Protocol messages by outcome",
		}, []string{labelScope, labelStatus}),
		queryStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mz_query_status",
			Help: "Queries by outcome",
		}, []string{labelScope, labelStatus}),
	}

	if err := register(reg,
		cfg.activeConnections, cfg.connectionStatus,
		cfg.messageStatus, cfg.queryStatus,
	); err != nil {
		return nil, err
	}
	return cfg, nil
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metric family: %w", err)
		}
	}
	return nil
}

// Metrics is a view of Config fixed to one scope. It carries no series
// state of its own, so copies are cheap and safe to share between
// goroutines.
type Metrics struct {
	cfg      *Config
	internal bool
}

// New returns the scoped view and makes sure every series it expects to
// emit exists at zero before the first real event.
func New(cfg *Config, internal bool) Metrics {
	m := Metrics{cfg: cfg, internal: internal}

	m.ActiveConnections()
	for _, status := range []string{StatusSuccess, StatusError} {
		m.ConnectionStatus(status)
		m.MessageStatus(status)
		m.QueryStatus(status)
	}

	return m
}

// Internal reports the scope this view is bound to.
func (m Metrics) Internal() bool { return m.internal }

// ActiveConnections is incremented on open and decremented on close by the
// caller. Balance is not enforced here.
func (m Metrics) ActiveConnections() prometheus.Gauge {
	return m.cfg.activeConnections.WithLabelValues(m.scopeLabel())
}

// ConnectionStatus returns the counter for status. Any status is accepted;
// only StatusSuccess and StatusError are pre-seeded, so other values will
// not exist until first use and each adds a series.
func (m Metrics) ConnectionStatus(status string) prometheus.Counter {
	return m.cfg.connectionStatus.WithLabelValues(m.scopeLabel(), status)
}

func (m Metrics) MessageStatus(status string) prometheus.Counter {
	return m.cfg.messageStatus.WithLabelValues(m.scopeLabel(), status)
}

func (m Metrics) QueryStatus(status string) prometheus.Counter {
	return m.cfg.queryStatus.WithLabelValues(m.scopeLabel(), status)
}

// scopeLabel is "true" for internal traffic and "false" for external.
// Dashboards key on these literals.
func (m Metrics) scopeLabel() string {
	return strconv.FormatBool(m.internal)
}
