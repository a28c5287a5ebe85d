package tunnel

import (
	"context"
	"time"
)

const healthProbeTimeout = 10 * time.Second

// healthLoop probes the instance on the configured interval until stopped
// or the tunnel turns unhealthy. On unhealthy it exits and, when
// auto-reconnect is on, hands off to a self-heal goroutine; the loop never
// restarts the tunnel itself so Stop can always join it without deadlock.
func (m *Manager) healthLoop(inst Instance, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.probeOnce(inst) {
				continue
			}
			if m.cfg.AutoReconnect {
				go m.selfHeal(inst)
			}
			return
		}
	}
}

// probeOnce runs a single health check and folds the result into the
// report. Returns false once the tunnel crosses the unhealthy threshold.
func (m *Manager) probeOnce(inst Instance) bool {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	probe := inst.Health(ctx)
	cancel()

	m.mu.Lock()
	if m.inst != inst {
		// Stopped or replaced while probing.
		m.mu.Unlock()
		return true
	}
	prev := m.health.State
	m.health.LastCheck = time.Now()
	m.health.Uptime = time.Since(inst.CreatedAt())
	if probe.Healthy {
		m.health.ConsecutiveFailures = 0
		m.health.State = HealthHealthy
		m.health.Message = ""
	} else {
		m.health.ConsecutiveFailures++
		m.health.Message = probe.Message
		if m.health.ConsecutiveFailures >= unhealthyThreshold {
			m.health.State = HealthUnhealthy
		} else {
			m.health.State = HealthDegraded
		}
	}
	report := m.health
	m.mu.Unlock()

	if report.State != prev {
		m.log.Info("tunnel health changed", "from", prev, "to", report.State, "failures", report.ConsecutiveFailures)
		m.bus.Publish(Event{Kind: EventHealth, Health: &report})
	}
	return report.State != HealthUnhealthy
}

// selfHeal tears the unhealthy instance down and restarts the tunnel with
// the same options, within the retry budget. Runs outside the health loop
// goroutine so Stop never waits on its own restart.
func (m *Manager) selfHeal(old Instance) {
	ctx := context.Background()

	m.mu.Lock()
	if m.inst != old {
		// A concurrent Stop or restart already owns teardown.
		m.mu.Unlock()
		return
	}
	stops := m.stopCount
	id := m.tunnelID
	tracker := m.tracker
	opts := m.lastOpts
	m.inst = nil
	m.info = nil
	m.tunnelID = ""
	m.tracker = nil
	m.access = nil
	m.healthStop = nil
	m.healthDone = nil
	m.mu.Unlock()

	m.log.Warn("tunnel unhealthy, attempting recovery", "id", id)
	m.bus.Publish(Event{Kind: EventRecoveryStart})
	_ = old.Close(ctx)

	if m.history != nil && tracker != nil {
		u := tracker.Metrics()
		if err := m.history.RecordSessionStop(ctx, id, time.Now(), u.TotalAccesses, u.UniqueVisitors); err != nil {
			m.log.Warn("session history write failed", "err", err)
		}
	}

	var lastErr *ProviderError
	for n := 1; n <= m.cfg.MaxRetries; n++ {
		time.Sleep(backoffDelay(m.cfg.RetryDelay, n))
		if m.stoppedSince(stops) {
			m.log.Info("recovery canceled by stop", "id", id)
			return
		}

		info, err := m.startOnce(ctx, opts)
		if err == nil {
			if m.stoppedSince(stops) {
				// Stop landed between our check and the restart; honor it.
				m.log.Info("recovery canceled by stop", "id", id)
				_ = m.Stop(ctx)
				return
			}
			m.log.Info("tunnel recovered", "url", info.URL)
			m.bus.Publish(Event{Kind: EventRecoverySuccess, Info: info, Attempt: n})
			return
		}
		lastErr = AsProviderError(err, "all")
		m.bus.Publish(Event{Kind: EventRecoveryFailed, Attempt: n, Err: lastErr.Error()})
		if lastErr.Code == CodeNoAvailableProviders {
			break
		}
	}

	m.mu.Lock()
	m.lastErr = lastErr
	m.mu.Unlock()
	m.log.Error("tunnel recovery exhausted", "err", lastErr)
	m.bus.Publish(Event{Kind: EventRecoveryExhausted, Err: errString(lastErr)})
}
