package usecase

import (
	"context"
	"weak"

	"drm-host-service/internal/domain"
)

// sessionTracker はこのインスタンスをアービターへ公開する薄いアダプタ。
// 所有インスタンスへの逆参照は弱参照で保持し、アービター側の保持が
// インスタンスの寿命を延ばさないようにする。
type sessionTracker struct {
	ref weak.Pointer[DrmInstance]
}

func newSessionTracker(d *DrmInstance) *sessionTracker {
	return &sessionTracker{ref: weak.Make(d)}
}

// ReclaimSession はアービターからの回収依頼を処理する。
// インスタンスが既に消滅していれば回収すべきものが無いため真を返す。
// クローズに成功した場合はリスナーへSessionReclaimedを通知する。
func (t *sessionTracker) ReclaimSession(sessionID []byte) bool {
	d := t.ref.Value()
	if d == nil {
		return true
	}
	if err := d.CloseSession(context.Background(), sessionID); err != nil {
		return false
	}
	if d.metrics != nil {
		d.metrics.ReclaimTotal.WithLabelValues("ok").Inc()
	}
	d.SendEvent(domain.EventSessionReclaimed, 0, sessionID, nil)
	return true
}
