package usecase

import (
	"os"
	"sync"

	"github.com/google/uuid"

	"drm-host-service/internal/domain"
	"drm-host-service/internal/obs"
	drmplugin "drm-host-service/internal/plugin"
)

// Host は複数クライアントのDrmInstanceを管理する。
// 全インスタンスはローダー（レジストリ）とアービターを共有する。
type Host struct {
	mu        sync.Mutex
	loader    *drmplugin.FactoryLoader
	arbiter   Arbiter
	perms     PermissionChecker
	metrics   *obs.Metrics
	instances map[string]*DrmInstance
}

// NewHost は新しいHostを生成する。metricsはnil可。
func NewHost(loader *drmplugin.FactoryLoader, arbiter Arbiter, perms PermissionChecker, metrics *obs.Metrics) *Host {
	return &Host{
		loader:    loader,
		arbiter:   arbiter,
		perms:     perms,
		metrics:   metrics,
		instances: make(map[string]*DrmInstance),
	}
}

// CreateInstance は新しいDrmInstanceを生成し、識別子を払い出す。
func (h *Host) CreateInstance() (string, *DrmInstance) {
	id := uuid.NewString()
	inst := NewDrmInstance(h.loader, h.arbiter, h.perms, h.metrics)

	h.mu.Lock()
	h.instances[id] = inst
	h.mu.Unlock()
	return id, inst
}

// Instance は識別子からインスタンスを引く。
func (h *Host) Instance(id string) (*DrmInstance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[id]
	return inst, ok
}

// ReleaseInstance はインスタンスを破棄して管理から外す。
func (h *Host) ReleaseInstance(id string) error {
	h.mu.Lock()
	inst, ok := h.instances[id]
	delete(h.instances, id)
	h.mu.Unlock()

	if !ok {
		return domain.ErrInstanceNotFound
	}
	return inst.Close()
}

// Close は全インスタンスを破棄する。
func (h *Host) Close() {
	h.mu.Lock()
	instances := h.instances
	h.instances = make(map[string]*DrmInstance)
	h.mu.Unlock()

	for _, inst := range instances {
		_ = inst.Close()
	}
}

// LocalPermissionChecker は同一プロセスと許可リスト上のPIDを許可する。
type LocalPermissionChecker struct {
	AllowedPIDs []int
}

// Check は呼び出し元PIDのケーパビリティを検査する。
// 同一プロセスからの呼び出しは常に許可される。
func (c *LocalPermissionChecker) Check(callingPID int, permission string) bool {
	if callingPID == os.Getpid() {
		return true
	}
	if permission != PermissionDRMCertificates {
		return false
	}
	for _, pid := range c.AllowedPIDs {
		if pid == callingPID {
			return true
		}
	}
	return false
}
