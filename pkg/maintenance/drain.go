package maintenance

import (
	"context"
	"time"

	"k8s.io/klog/v2"
)

// drain runs before the HTTP server stops:
//  1. fail readiness so the Service stops routing new users here
//  2. warn active users and wait for them to log out
//  3. force-close whoever is left
//  4. wait for the endpoint removal to reach every kube-proxy
func (c *Controller) drain(ctx context.Context) {
	klog.InfoS("Starting graceful drain",
		"pod", c.config.PodName,
		"drainTimeout", c.config.DrainTimeout,
		"endpointPropagation", c.config.EndpointPropagation)

	c.server.SetShuttingDown(true)

	if active := c.localSessionCount(ctx); active > 0 {
		c.notifyDrain(ctx, shutdownMessage(c.config.DrainTimeout))

		remaining := c.waitForLogouts(ctx)
		if remaining > 0 {
			closed, err := c.tracker.ForceCloseLocal(ctx)
			if err != nil {
				klog.ErrorS(err, "Failed to force-close sessions", "closed", closed)
			} else {
				klog.InfoS("Force-closed remaining sessions", "count", closed)
			}
		} else {
			klog.InfoS("All users logged out gracefully")
		}
	} else {
		klog.InfoS("No active sessions, skipping user drain")
	}

	klog.InfoS("Waiting for endpoint removal to propagate", "wait", c.config.EndpointPropagation)
	sleep(ctx, c.config.EndpointPropagation)
}

// waitForLogouts polls until no local session is left or the drain timeout
// expires. Returns the number of sessions still open.
func (c *Controller) waitForLogouts(ctx context.Context) int {
	deadline := time.Now().Add(c.config.DrainTimeout)

	for {
		remaining := c.localSessionCount(ctx)
		if remaining == 0 {
			return 0
		}

		left := time.Until(deadline)
		if left <= 0 {
			return remaining
		}

		klog.InfoS("Waiting for users to log out", "remaining", remaining, "timeLeft", left.Truncate(time.Second))
		if !sleep(ctx, min(c.config.DrainPoll, left)) {
			return c.localSessionCount(ctx)
		}
	}
}

// sleep waits for d or until ctx is done; false means ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
