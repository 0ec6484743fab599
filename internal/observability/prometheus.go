package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
)

type SessionStatsSource interface {
	Stats() domain.SessionStats
}

// SessionCollector exposes live session table gauges at scrape time.
type SessionCollector struct {
	source      SessionStatsSource
	active      *prometheus.Desc
	users       *prometheus.Desc
	byState     *prometheus.Desc
	registered  *prometheus.Desc
	retryQueued *prometheus.Desc
}

func NewSessionCollector(source SessionStatsSource) *SessionCollector {
	return &SessionCollector{
		source:      source,
		active:      prometheus.NewDesc("sso_sessions_active", "Sessions currently held in the session store.", nil, nil),
		users:       prometheus.NewDesc("sso_session_users", "Users with at least one live session.", nil, nil),
		byState:     prometheus.NewDesc("sso_sessions_by_state", "Live sessions partitioned by lifecycle state.", []string{"state"}, nil),
		registered:  prometheus.NewDesc("sso_refresh_registrations", "Sessions registered for background refresh.", nil, nil),
		retryQueued: prometheus.NewDesc("sso_refresh_retries_queued", "Refresh retries waiting in the retry queue.", nil, nil),
	}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.users
	ch <- c.byState
	ch <- c.registered
	ch <- c.retryQueued
}

func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(stats.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(stats.Users))
	for _, state := range []domain.SessionState{
		domain.SessionStateActive,
		domain.SessionStateRefreshing,
		domain.SessionStateExpiring,
		domain.SessionStateExpired,
		domain.SessionStateRevoked,
	} {
		ch <- prometheus.MustNewConstMetric(c.byState, prometheus.GaugeValue, float64(stats.ByState[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.registered, prometheus.GaugeValue, float64(stats.RefreshRegistered))
	ch <- prometheus.MustNewConstMetric(c.retryQueued, prometheus.GaugeValue, float64(stats.RefreshRetryQueued))
}

// NewPrometheusRegistry returns a registry with the session collector and
// the standard Go runtime collectors.
func NewPrometheusRegistry(source SessionStatsSource) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewSessionCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
