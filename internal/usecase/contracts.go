// Package usecase はDRMインスタンスのファサードとセッション管理を実装する。
package usecase

import (
	"drm-host-service/internal/domain"
)

// PermissionDRMCertificates はSignRSAに要求されるケーパビリティ名。
const PermissionDRMCertificates = "android.permission.ACCESS_DRM_CERTIFICATES"

// PermissionChecker は呼び出し元のケーパビリティを検査する。
// 同一プロセスからの呼び出しは検査を省略して許可する。
type PermissionChecker interface {
	Check(callingPID int, permission string) bool
}

// ClientListener はクライアント側のイベントリスナーチャネルを表す。
// Notifyの呼び出し順序はインスタンスのnotifyロックにより全順序化される。
type ClientListener interface {
	Notify(eventType domain.EventType, extra int32, payload []byte) error

	// LinkToDeath はチャネル切断時に呼ばれるハンドラを登録し、
	// 登録解除関数を返す。
	LinkToDeath(onDeath func()) (unlink func())
}

// SessionClient はアービターがセッション回収を依頼する相手。
type SessionClient interface {
	// ReclaimSession はセッションの回収を試み、回収済みなら真を返す。
	ReclaimSession(sessionID []byte) bool
}

// Arbiter はプロセス全体のセッション優先度調停サービスの契約。
// Reclaimのみが他インスタンスへ再入しうるため、インスタンスロックを
// 保持せずに呼び出すこと。その他の呼び出しは非再入と定義される。
type Arbiter interface {
	AddSession(callingPID int, client SessionClient, sessionID []byte)
	UseSession(sessionID []byte)
	RemoveSession(sessionID []byte)
	RemoveClient(client SessionClient)
	Reclaim(callingPID int) bool
}
