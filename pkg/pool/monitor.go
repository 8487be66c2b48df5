package pool

import (
	"context"
	"time"
)

// startMonitorLocked starts the monitor goroutine if it is not running. Caller holds p.mu.
func (p *Pool) startMonitorLocked() {
	if p.monitorRunning || p.closed {
		return
	}
	stop := make(chan struct{})
	p.monitorStop = stop
	p.monitorRunning = true
	p.stats.monitorStarts.Add(1)
	p.observer.MonitorStateChanged(true)
	p.logger.Debug("Monitor started", map[string]interface{}{"period": p.period.String()})

	p.monitors.Go(func() { p.runMonitor(stop) })
}

// stopMonitorLocked marks the monitor stopped. The goroutine exits at its next wake-up. Caller holds p.mu.
func (p *Pool) stopMonitorLocked() {
	if !p.monitorRunning {
		return
	}
	p.monitorRunning = false
	close(p.monitorStop)
	p.monitorStop = nil
	p.observer.MonitorStateChanged(false)
	p.logger.Debug("Monitor stopped")
}

// MonitorRunning reports whether the monitor goroutine is active.
func (p *Pool) MonitorRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monitorRunning
}

func (p *Pool) runMonitor(stop chan struct{}) {
	timer := time.NewTimer(p.period)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		started := time.Now()
		if !p.scan(stop) {
			return
		}

		wait := p.period - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// scan runs one pass for the monitor owning stop. It returns false when that monitor should exit.
func (p *Pool) scan(stop chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.monitorStop != stop {
		return false
	}
	return p.passLocked(p.now())
}

// runPass runs a single maintenance pass at the given time.
func (p *Pool) runPass(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	return p.passLocked(now)
}

// passLocked evicts idle handlers and schedules keep-alives. Locked handlers are skipped entirely.
// It stops the monitor and returns false once the registry is empty. Caller holds p.mu.
func (p *Pool) passLocked(now time.Time) bool {
	kept := p.handlers[:0]
	var evicted []*Handler

	for _, h := range p.handlers {
		h.mu.Lock()
		if h.locked {
			h.mu.Unlock()
			kept = append(kept, h)
			continue
		}

		idle := now.Sub(h.lastActivity)
		if h.policy.ClosesOnInactivity() && idle > h.policy.CloseOnInactivity {
			h.retired = true
			h.mu.Unlock()
			evicted = append(evicted, h)
			continue
		}

		ping := false
		if h.policy.KeepsAlive() {
			last := h.lastActivity
			if h.lastKeepAlive.After(last) {
				last = h.lastKeepAlive
			}
			if now.Sub(last) > h.policy.KeepAliveInterval {
				h.lastKeepAlive = now
				ping = true
			}
		}
		h.mu.Unlock()

		kept = append(kept, h)
		if ping {
			p.spawnKeepAlive(h)
		}
	}

	for i := len(kept); i < len(p.handlers); i++ {
		p.handlers[i] = nil
	}
	p.handlers = kept

	for _, h := range evicted {
		p.stats.evicted.Add(1)
		p.observer.HandlerEvicted(h)
		p.logger.Info("Closing idle connection handler", map[string]interface{}{
			"handler": h.id,
			"realm":   h.realm.String(),
			"idle":    now.Sub(h.LastActivity()).String(),
		})
		p.spawnClose(h, "inactivity")
	}
	if len(evicted) > 0 {
		p.notifyRegistryLocked()
	}

	if len(p.handlers) == 0 {
		p.stopMonitorLocked()
		return false
	}
	return true
}

// spawnClose closes h in a worker. Caller holds p.mu.
func (p *Pool) spawnClose(h *Handler, reason string) {
	p.workers.Go(func() {
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		err := h.close()
		p.stats.closed.Add(1)
		if err != nil {
			p.stats.closeErrors.Add(1)
			p.recordError(err)
		}
		p.observer.HandlerClosed(h, err)
		p.logger.Debug("Connection handler closed", map[string]interface{}{
			"handler": h.id,
			"reason":  reason,
		})
	})
}

// spawnKeepAlive pings h in a worker. Caller holds p.mu.
func (p *Pool) spawnKeepAlive(h *Handler) {
	p.workers.Go(func() {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		// The handler may have been locked or evicted while the worker waited.
		if !h.keepAliveStillWanted() {
			return
		}

		ctx, cancel := context.WithTimeout(p.ctx, p.maintenanceTimeout)
		defer cancel()

		err := h.keepAlive(ctx)
		p.stats.keepAlives.Add(1)
		if err != nil {
			p.stats.keepAliveErrs.Add(1)
			p.recordError(err)
		}
		p.observer.KeepAliveSent(h, err)
	})
}
