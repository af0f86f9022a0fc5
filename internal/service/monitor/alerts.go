package monitor

import (
	"fmt"
	"sort"
	"time"

	applogger "AidPull/pkg/logger"
)

// Severity classifies how badly a threshold was breached.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Thresholds are the per-source health limits evaluated on every sweep.
type Thresholds struct {
	MaxAvgLatency  time.Duration `yaml:"max_avg_latency"`
	MaxP95Latency  time.Duration `yaml:"max_p95_latency"`
	MinSuccessRate float64       `yaml:"min_success_rate"`
	MaxErrorRate   float64       `yaml:"max_error_rate"`
}

// DefaultThresholds returns sane production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAvgLatency:  2 * time.Second,
		MaxP95Latency:  5 * time.Second,
		MinSuccessRate: 0.90,
		MaxErrorRate:   0.10,
	}
}

// Alert is one threshold breach, retained until acknowledged.
type Alert struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Metric    string    `json:"metric"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribe registers an alert callback and returns an unsubscribe
// handle. A panicking subscriber never aborts the broadcast.
func (m *Monitor) Subscribe(fn func(Alert)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Alerts returns active alerts, newest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Acknowledge marks an alert handled and drops it from the active set,
// so the set never grows unbounded over uptime. Returns false for
// unknown IDs.
func (m *Monitor) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[id]; !ok {
		return false
	}
	delete(m.alerts, id)
	return true
}

// CheckThresholds evaluates every active source against the configured
// thresholds and raises alerts for breaches. Alerts are advisory: they
// never halt traffic themselves.
func (m *Monitor) CheckThresholds() []Alert {
	raised := make([]Alert, 0)

	for _, source := range m.Sources() {
		s := m.SourceStats(source)
		if s.Total == 0 {
			continue
		}

		if m.thresholds.MaxAvgLatency > 0 && s.AvgLatency > m.thresholds.MaxAvgLatency {
			raised = append(raised, m.raise(source, "avg_latency",
				s.AvgLatency.Seconds(), m.thresholds.MaxAvgLatency.Seconds(),
				fmt.Sprintf("average latency %v exceeds %v", s.AvgLatency, m.thresholds.MaxAvgLatency)))
		}
		if m.thresholds.MaxP95Latency > 0 && s.P95Latency > m.thresholds.MaxP95Latency {
			raised = append(raised, m.raise(source, "p95_latency",
				s.P95Latency.Seconds(), m.thresholds.MaxP95Latency.Seconds(),
				fmt.Sprintf("p95 latency %v exceeds %v", s.P95Latency, m.thresholds.MaxP95Latency)))
		}
		if m.thresholds.MinSuccessRate > 0 && s.SuccessRate < m.thresholds.MinSuccessRate {
			raised = append(raised, m.raise(source, "success_rate",
				s.SuccessRate, m.thresholds.MinSuccessRate,
				fmt.Sprintf("success rate %.2f below %.2f", s.SuccessRate, m.thresholds.MinSuccessRate)))
		}
		if m.thresholds.MaxErrorRate > 0 && s.ErrorRate > m.thresholds.MaxErrorRate {
			raised = append(raised, m.raise(source, "error_rate",
				s.ErrorRate, m.thresholds.MaxErrorRate,
				fmt.Sprintf("error rate %.2f exceeds %.2f", s.ErrorRate, m.thresholds.MaxErrorRate)))
		}
	}

	return raised
}

func (m *Monitor) raise(source, metric string, value, threshold float64, msg string) Alert {
	m.mu.Lock()
	m.alertID++
	a := &Alert{
		ID:        fmt.Sprintf("%s-%s-%d", source, metric, m.alertID),
		Source:    source,
		Metric:    metric,
		Severity:  severityFor(metric, value, threshold),
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		CreatedAt: time.Now(),
	}
	m.alerts[a.ID] = a
	subs := make([]func(Alert), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Warn("performance alert",
			applogger.String("source", source),
			applogger.String("metric", metric),
			applogger.String("severity", string(a.Severity)),
			applogger.String("message", msg))
	}

	for _, fn := range subs {
		m.notify(fn, *a)
	}
	return *a
}

func (m *Monitor) notify(fn func(Alert), a Alert) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error("alert subscriber panicked",
				applogger.Any("panic", r))
		}
	}()
	fn(a)
}

// severityFor grades a breach by how far past the threshold it landed.
func severityFor(metric string, value, threshold float64) Severity {
	var ratio float64
	if metric == "success_rate" {
		// Lower is worse for success rate.
		if value <= 0 {
			return SeverityCritical
		}
		ratio = threshold / value
	} else {
		if threshold <= 0 {
			return SeverityWarning
		}
		ratio = value / threshold
	}

	switch {
	case ratio >= 2.0:
		return SeverityCritical
	case ratio >= 1.2:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
