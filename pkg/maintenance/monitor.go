package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/events"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/metrics"
	"k8s.io/klog/v2"
)

const maintenanceDrainMessage = "Maintenance mode activated. Please save your work and logout."

// monitor re-resolves the flag on every tick and whenever a watched file
// changes. The first check runs immediately.
func (c *Controller) monitor(ctx context.Context, trigger <-chan struct{}) error {
	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	c.checkMaintenance(ctx)

	for {
		select {
		case <-ctx.Done():
			klog.V(2).Info("Maintenance monitor stopped")
			return nil
		case <-ticker.C:
			c.checkMaintenance(ctx)
		case <-trigger:
			klog.V(2).Info("Flag file changed, re-checking maintenance mode")
			c.checkMaintenance(ctx)
		}
	}
}

// checkMaintenance publishes one drain event per off->on transition and one
// maintenance_cleared event per on->off transition.
func (c *Controller) checkMaintenance(ctx context.Context) {
	res := c.resolver.Resolve(ctx)
	metrics.SetBool(c.metrics.MaintenanceMode, res.Enabled)

	c.mu.Lock()
	previous := c.lastEnabled
	c.lastEnabled = res.Enabled
	c.mu.Unlock()

	switch {
	case res.Enabled && !previous:
		klog.InfoS("Maintenance mode activated", "source", res.Source, "pod", c.config.PodName)
		c.notifyDrain(ctx, maintenanceDrainMessage)
	case !res.Enabled && previous:
		klog.InfoS("Maintenance mode cleared", "source", res.Source, "pod", c.config.PodName)
		c.broker.Publish(events.TypeMaintenanceCleared, map[string]string{
			"message": "Maintenance is over. The service is available again.",
		})
	default:
		klog.V(2).InfoS("Maintenance mode unchanged", "enabled", res.Enabled, "source", res.Source)
	}
}

// notifyDrain tells connected users to log out within the drain timeout.
// Returns the number of local sessions that were notified.
func (c *Controller) notifyDrain(ctx context.Context, message string) int {
	active := c.localSessionCount(ctx)

	notice := events.NewDrainNotice(message, c.config.DrainTimeout, time.Now())
	delivered := c.broker.Publish(events.TypeDrain, notice)
	c.metrics.DrainNotificationsSent.Add(float64(active))

	klog.InfoS("Sent drain notification",
		"sessions", active,
		"streams", delivered,
		"forcedLogoutAt", notice.ForcedLogoutAt.Format(time.RFC3339))
	return active
}

func (c *Controller) localSessionCount(ctx context.Context) int {
	local, err := c.tracker.Local(ctx)
	if err != nil {
		klog.ErrorS(err, "Failed to list local sessions")
		return 0
	}
	return len(local)
}

func shutdownMessage(d time.Duration) string {
	return fmt.Sprintf("Server shutting down in %d seconds. Please save your work and logout.", int(d/time.Second))
}
