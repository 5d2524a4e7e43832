package state

import "time"

// PodState is what a pod reports about itself on /state.
// Admin pods collect it from every pod to show the fleet view.
type PodState struct {
	PodName   string `json:"pod_name"`
	PodIP     string `json:"pod_ip,omitempty"`
	Namespace string `json:"namespace"`
	Role      string `json:"role"`
	// Ready mirrors what /ready currently answers.
	Ready bool `json:"ready"`
	// Maintenance is the resolved flag and Source the backend that decided it.
	Maintenance    bool      `json:"maintenance"`
	Source         string    `json:"source"`
	ShuttingDown   bool      `json:"shutting_down"`
	ActiveSessions int       `json:"active_sessions"`
	StartupTime    time.Time `json:"startup_time"`
	// LastSeen is set by the reporting pod when it answers.
	LastSeen time.Time `json:"last_seen"`
}
