// Package domain はDRMホストのドメインモデルを定義する。
package domain

import "github.com/google/uuid"

// UUID は暗号スキームを一意に識別する16バイトの識別子。
// 比較はバイト列の辞書順、等価判定はバイト単位で行う。
type UUID = uuid.UUID

// ParseUUID はハイフン区切りまたは32桁16進表記のスキームIDを解析する。
func ParseUUID(s string) (UUID, error) {
	return uuid.Parse(s)
}

// KeyType は鍵要求の用途を表す。
type KeyType int32

const (
	// KeyTypeStreaming はストリーミング再生用の鍵要求。
	KeyTypeStreaming KeyType = iota
	// KeyTypeOffline はオフライン保存用の鍵要求。
	KeyTypeOffline
	// KeyTypeRelease は保存済み鍵の解放要求。
	KeyTypeRelease
)

// KeyRequestType は発行された鍵要求の種別を表す。
type KeyRequestType int32

const (
	// KeyRequestTypeInitial は初回の鍵要求。
	KeyRequestTypeInitial KeyRequestType = iota
	// KeyRequestTypeRenewal は更新の鍵要求。
	KeyRequestTypeRenewal
	// KeyRequestTypeRelease は解放の鍵要求。
	KeyRequestTypeRelease
)

// KeyRequest はプラグインが生成した鍵要求を表す。
type KeyRequest struct {
	Request    []byte
	DefaultURL string
	Type       KeyRequestType
}

// KeyStatusCode は個別鍵の状態を表す。
type KeyStatusCode int32

const (
	// KeyStatusUsable は復号に使用可能な鍵。
	KeyStatusUsable KeyStatusCode = iota
	// KeyStatusExpired は期限切れの鍵。
	KeyStatusExpired
	// KeyStatusOutputNotAllowed は出力保護の要件を満たさない鍵。
	KeyStatusOutputNotAllowed
	// KeyStatusPending は状態確定待ちの鍵。
	KeyStatusPending
	// KeyStatusInternalError は内部エラー状態の鍵。
	KeyStatusInternalError
)

// KeyStatus は鍵IDと状態の組を表す。
type KeyStatus struct {
	KeyID  []byte
	Status KeyStatusCode
}

// EventType はリスナーへ通知するイベント種別を表す。
type EventType int32

const (
	// EventProvisionRequired はプロビジョニング要求イベント。
	EventProvisionRequired EventType = iota + 1
	// EventKeyNeeded は鍵取得要求イベント。
	EventKeyNeeded
	// EventKeyExpired は鍵失効イベント。
	EventKeyExpired
	// EventVendorDefined はベンダー定義イベント。
	EventVendorDefined
	// EventSessionReclaimed はセッション回収イベント。
	EventSessionReclaimed
	// EventExpirationUpdate は有効期限更新イベント。
	EventExpirationUpdate
	// EventKeysChange は鍵状態変化イベント。
	EventKeysChange
)
