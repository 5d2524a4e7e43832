package fleet

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/auth"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/maintenance/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func pod(name, ip string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "demo",
			Labels:    map[string]string{"app": "maintenance-gate"},
		},
		Status: corev1.PodStatus{Phase: phase, PodIP: ip},
	}
}

func TestPeers(t *testing.T) {
	authenticator := auth.New("secret")

	srv := httptest.NewServer(authenticator.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(state.PodState{PodName: "app-1", Role: "user", Ready: false, Maintenance: true, Source: "redis"})
	})))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	other := pod("app-9", "10.0.0.9", corev1.PodRunning)
	other.Labels = map[string]string{"app": "unrelated"}

	client := fake.NewSimpleClientset(
		pod("app-0", host, corev1.PodRunning),
		pod("app-1", host, corev1.PodRunning),
		pod("app-2", "", corev1.PodPending),
		other,
	)

	c := NewCollector(client, "demo", "app=maintenance-gate", "app-0", port, authenticator)
	peers, err := c.Peers(context.Background())
	require.NoError(t, err)

	require.Len(t, peers, 2)
	assert.Equal(t, "app-1", peers[0].PodName)
	require.NotNil(t, peers[0].State)
	assert.True(t, peers[0].State.Maintenance)
	assert.Equal(t, "redis", peers[0].State.Source)

	assert.Equal(t, "app-2", peers[1].PodName)
	assert.Equal(t, string(corev1.PodPending), peers[1].Phase)
	assert.Nil(t, peers[1].State)
}

func TestPeersRecordsQueryFailure(t *testing.T) {
	srv := httptest.NewServer(auth.New("secret").Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := fake.NewSimpleClientset(pod("app-1", host, corev1.PodRunning))

	// signed with the wrong secret: the peer answers 401
	c := NewCollector(client, "demo", "app=maintenance-gate", "app-0", port, auth.New("wrong"))
	peers, err := c.Peers(context.Background())
	require.NoError(t, err)

	require.Len(t, peers, 1)
	assert.Nil(t, peers[0].State)
	assert.Contains(t, peers[0].Error, "401")
}

func TestQueryPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewCollector(nil, "demo", "", "app-0", port, auth.New(""))

	tests := []struct {
		name      string
		pod       *corev1.Pod
		wantError string
	}{
		{"pending pod is not queried", pod("app-1", host, corev1.PodPending), ""},
		{"running pod without IP", pod("app-2", "", corev1.PodRunning), ""},
		{"malformed state", pod("app-3", host, corev1.PodRunning), "decode peer state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := c.queryPeer(context.Background(), tt.pod)
			assert.Equal(t, tt.pod.Name, status.PodName)
			assert.Equal(t, string(tt.pod.Status.Phase), status.Phase)
			assert.Nil(t, status.State)
			if tt.wantError == "" {
				assert.Empty(t, status.Error)
			} else {
				assert.Contains(t, status.Error, tt.wantError)
			}
		})
	}
}

func TestPeersWithoutKubeClient(t *testing.T) {
	c := NewCollector(nil, "demo", "", "app-0", 8080, auth.New(""))
	_, err := c.Peers(context.Background())
	assert.ErrorIs(t, err, ErrNoKubeClient)
}
