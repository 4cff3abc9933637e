package health

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Manager tracks whether the process should receive traffic. It starts not
// ready and is flipped by main once dependencies are up, and back during
// shutdown.
type Manager struct {
	ready atomic.Bool

	mu   sync.Mutex
	grpc *grpchealth.Server
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready.Store(ready)
	if m.grpc != nil {
		m.grpc.SetServingStatus("", servingStatus(ready))
	}
}

// AttachGRPC makes the gRPC health service report the same readiness as
// /readyz from now on.
func (m *Manager) AttachGRPC(hs *grpchealth.Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grpc = hs
	hs.SetServingStatus("", servingStatus(m.ready.Load()))
}

func servingStatus(ready bool) healthpb.HealthCheckResponse_ServingStatus {
	if ready {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Register mounts /healthz and /readyz.
func Register(r gin.IRoutes, m *Manager) {
	r.GET("/healthz", LivenessHandler)
	r.GET("/readyz", ReadinessHandler(m))
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.IsReady() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
	}
}
