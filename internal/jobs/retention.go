package jobs

import "context"

// sweep deletes terminal jobs older than the retention period.
func (m *Manager) sweep() {
	cutoff := m.clock.Now().Add(-m.config.Retention)
	deleted, err := m.store.DeleteFinishedBefore(m.ctx, cutoff)
	if err != nil {
		if m.ctx.Err() == context.Canceled {
			return
		}
		m.logger.Error("Retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		m.logger.Info("Retention sweep removed jobs", "deleted", deleted, "cutoff", cutoff)
	}
}
