package app

import (
	"fmt"
	"time"

	"driftmesh/go-core/pkg/models"
)

// Status aggregates one consistent snapshot of the node.
func (c *Core) Status() models.StatusReport {
	now := time.Now().UTC()
	if c.ensureRunning() != nil {
		return models.StatusReport{
			Status:      "stopped",
			NodeID:      c.ids.NodeID(),
			GeneratedAt: now,
		}
	}

	active := c.coord.Active()
	health := c.coord.HealthSnapshot()
	_, queued, parked, conflicts := c.sync.Stats()

	peerCount := 0
	if t, err := c.coord.ActiveTransport(); err == nil {
		peerCount = len(t.Peers())
	}

	var alerts []string
	for kind, h := range health {
		if kind == models.TransportOffline {
			continue
		}
		if h.Status == models.HealthUnavailable {
			alerts = append(alerts, fmt.Sprintf("transport %s unavailable", kind))
		}
	}
	if pending := c.offline.Pending(); pending > 0 {
		alerts = append(alerts, fmt.Sprintf("%d messages queued offline", pending))
	}
	if conflicts > 0 {
		alerts = append(alerts, fmt.Sprintf("%d unresolved sync conflicts recorded", conflicts))
	}

	status := "healthy"
	switch {
	case active == models.TransportOffline:
		status = "offline"
	case c.coord.Partitioned():
		status = "partitioned"
	case health[active].Status != models.HealthAvailable:
		status = "degraded"
	}

	return models.StatusReport{
		Status:          status,
		NodeID:          c.ids.NodeID(),
		ActiveTransport: active,
		Health:          health,
		Alerts:          alerts,
		OfflineQueue:    parked + c.offline.Pending(),
		SyncQueue:       queued,
		Conflicts:       conflicts,
		ActiveSessions:  c.collab.ActiveSessionCount(),
		PeerCount:       peerCount,
		GeneratedAt:     now,
	}
}
