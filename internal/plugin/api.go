// Package plugin はベンダーDRMプラグインの発見・ロード・キャッシュを提供する。
package plugin

import (
	"context"

	"drm-host-service/internal/domain"
)

// FactorySymbol はプラグインイメージがエクスポートするファクトリ関数のシンボル名。
// Goのプラグインシンボルはエクスポート識別子である必要があるため、
// C ABIの createDrmFactory に対応するGo側の名前は CreateDrmFactory となる。
const FactorySymbol = "CreateDrmFactory"

// CreateFactoryFunc はプラグインイメージがエクスポートするファクトリ生成関数の型。
type CreateFactoryFunc = func() Factory

// Listener はプラグイン発のイベントを受け取るホスト側のシンク。
type Listener interface {
	SendEvent(eventType domain.EventType, extra int32, sessionID, data []byte)
	SendExpirationUpdate(sessionID []byte, expiryTimeMS int64)
	SendKeysChange(sessionID []byte, statuses []domain.KeyStatus, hasNewUsableKey bool)
}

// Factory はスキームに対応するプラグインを生成するベンダー提供オブジェクト。
type Factory interface {
	SupportsScheme(uuid domain.UUID) bool
	SupportsContentType(mimeType string) bool
	CreatePlugin(uuid domain.UUID) (Plugin, error)
}

// Plugin はスキーム固有の暗号・ライセンス操作を実装するベンダー提供オブジェクト。
// 全ての呼び出しは所有するインスタンスにより直列化される。
type Plugin interface {
	OpenSession(ctx context.Context) ([]byte, error)
	CloseSession(ctx context.Context, sessionID []byte) error

	GetKeyRequest(ctx context.Context, sessionID, initData []byte, mimeType string,
		keyType domain.KeyType, parameters map[string]string) (*domain.KeyRequest, error)
	ProvideKeyResponse(ctx context.Context, sessionID, response []byte) (keySetID []byte, err error)
	RemoveKeys(ctx context.Context, keySetID []byte) error
	RestoreKeys(ctx context.Context, sessionID, keySetID []byte) error
	QueryKeyStatus(ctx context.Context, sessionID []byte) (map[string]string, error)

	GetProvisionRequest(ctx context.Context, certType, certAuthority string) (request []byte, defaultURL string, err error)
	ProvideProvisionResponse(ctx context.Context, response []byte) (certificate, wrappedKey []byte, err error)

	GetSecureStops(ctx context.Context) ([][]byte, error)
	GetSecureStop(ctx context.Context, secureStopID []byte) ([]byte, error)
	ReleaseSecureStops(ctx context.Context, release []byte) error
	ReleaseAllSecureStops(ctx context.Context) error

	GetPropertyString(ctx context.Context, name string) (string, error)
	GetPropertyByteArray(ctx context.Context, name string) ([]byte, error)
	SetPropertyString(ctx context.Context, name, value string) error
	SetPropertyByteArray(ctx context.Context, name string, value []byte) error

	SetCipherAlgorithm(ctx context.Context, sessionID []byte, algorithm string) error
	SetMacAlgorithm(ctx context.Context, sessionID []byte, algorithm string) error
	Encrypt(ctx context.Context, sessionID, keyID, input, iv []byte) ([]byte, error)
	Decrypt(ctx context.Context, sessionID, keyID, input, iv []byte) ([]byte, error)
	Sign(ctx context.Context, sessionID, keyID, message []byte) ([]byte, error)
	Verify(ctx context.Context, sessionID, keyID, message, signature []byte) (bool, error)
	SignRSA(ctx context.Context, sessionID []byte, algorithm string, message, wrappedKey []byte) ([]byte, error)

	SetListener(listener Listener)
	Close() error
}
