// Package fleet collects the state of every pod running the gate so the
// admin tier can see which pods are in rotation.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/auth"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/maintenance/state"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// DefaultQueryTimeout bounds each /state request
const DefaultQueryTimeout = 2 * time.Second

// ErrNoKubeClient is returned when the pod runs outside a cluster
var ErrNoKubeClient = errors.New("kubernetes client not configured")

// PeerStatus is one entry of the fleet view. State is nil when the pod
// could not be queried.
type PeerStatus struct {
	PodName string          `json:"pod_name"`
	PodIP   string          `json:"pod_ip"`
	Phase   string          `json:"phase"`
	State   *state.PodState `json:"state,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Collector discovers pods by label selector and queries their /state endpoint
type Collector struct {
	kubeClient    kubernetes.Interface
	namespace     string
	labelSelector string
	self          string
	port          int

	authenticator *auth.Authenticator
	httpClient    *http.Client
}

// NewCollector creates a collector. kubeClient may be nil, in which case
// Peers returns ErrNoKubeClient.
func NewCollector(kubeClient kubernetes.Interface, namespace, labelSelector, self string, port int, authenticator *auth.Authenticator) *Collector {
	return &Collector{
		kubeClient:    kubeClient,
		namespace:     namespace,
		labelSelector: labelSelector,
		self:          self,
		port:          port,
		authenticator: authenticator,
		httpClient: &http.Client{
			Timeout: DefaultQueryTimeout,
		},
	}
}

// Peers returns the state of every other pod matching the selector, sorted by name
func (c *Collector) Peers(ctx context.Context) ([]PeerStatus, error) {
	if c.kubeClient == nil {
		return nil, ErrNoKubeClient
	}

	pods, err := c.kubeClient.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: c.labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	peers := make([]PeerStatus, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Name == c.self {
			continue
		}
		peers = append(peers, c.queryPeer(ctx, &pod))
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].PodName < peers[j].PodName })

	klog.V(2).InfoS("Collected fleet state", "pods", len(peers))
	return peers, nil
}

// maxStateBytes bounds the /state body read from a peer
const maxStateBytes = 64 << 10

// queryPeer builds the fleet entry for one pod. Pods that are not running
// are reported by phase only; a failed query ends up in Error.
func (c *Collector) queryPeer(ctx context.Context, pod *corev1.Pod) PeerStatus {
	status := PeerStatus{
		PodName: pod.Name,
		PodIP:   pod.Status.PodIP,
		Phase:   string(pod.Status.Phase),
	}
	if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
		return status
	}

	st, err := c.fetchState(ctx, pod.Status.PodIP)
	if err != nil {
		klog.V(2).InfoS("Peer state unavailable", "pod", pod.Name, "ip", pod.Status.PodIP, "error", err)
		status.Error = err.Error()
		return status
	}

	status.State = st
	return status
}

func (c *Collector) fetchState(ctx context.Context, ip string) (*state.PodState, error) {
	target := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(ip, strconv.Itoa(c.port)),
		Path:   "/state",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build state request: %w", err)
	}
	if err := c.authenticator.SignRequest(req); err != nil {
		return nil, fmt.Errorf("sign state request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", target.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer answered %s", resp.Status)
	}

	st := &state.PodState{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxStateBytes)).Decode(st); err != nil {
		return nil, fmt.Errorf("decode peer state: %w", err)
	}
	return st, nil
}
