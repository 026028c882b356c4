package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"drm-host-service/internal/domain"
	"drm-host-service/internal/obs"
	drmplugin "drm-host-service/internal/plugin"
)

type initState int

const (
	stateUninitialized initState = iota
	stateReady
	stateUnsupported
)

// DrmInstance はクライアント1つに対するDRMファサード。
// 高々1つのプラグインを所有し、プラグインへの全呼び出しを直列化する。
//
// ロック順序: registryミューテックス → mu → notifyMu → eventMu。
// eventMu はプラグイン呼び出しやリスナー呼び出しをまたいで保持しない。
type DrmInstance struct {
	mu       sync.Mutex // インスタンスロック: 状態とプラグイン呼び出しを直列化
	notifyMu sync.Mutex // リスナー通知を全順序化
	eventMu  sync.Mutex // リスナー参照の差し替えを保護

	loader  *drmplugin.FactoryLoader
	arbiter Arbiter
	perms   PermissionChecker
	metrics *obs.Metrics

	state   initState
	uuid    domain.UUID
	library *drmplugin.Library
	factory drmplugin.Factory
	plug    drmplugin.Plugin

	listener    ClientListener
	unlinkDeath func()

	tracker *sessionTracker
}

// NewDrmInstance は新しいDrmInstanceを生成する。metricsはnil可。
func NewDrmInstance(loader *drmplugin.FactoryLoader, arbiter Arbiter, perms PermissionChecker, metrics *obs.Metrics) *DrmInstance {
	d := &DrmInstance{
		loader:  loader,
		arbiter: arbiter,
		perms:   perms,
		metrics: metrics,
	}
	d.tracker = newSessionTracker(d)
	return d
}

// Close はインスタンスを破棄する。アービターからの登録解除、プラグインの
// 解放、ファクトリとライブラリの解放を行う。
func (d *DrmInstance) Close() error {
	d.arbiter.RemoveClient(d.tracker)

	d.eventMu.Lock()
	if d.unlinkDeath != nil {
		d.unlinkDeath()
		d.unlinkDeath = nil
	}
	d.listener = nil
	d.eventMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.plug != nil {
		if err := d.plug.Close(); err != nil {
			slog.Error("failed to close plugin", "error", err)
		}
		d.plug = nil
	}
	d.closeFactoryLocked()
	d.state = stateUninitialized
	return nil
}

// closeFactoryLocked はファクトリを手放し、ライブラリ参照を解放する。
// ファクトリはライブラリより先に解放される。
func (d *DrmInstance) closeFactoryLocked() {
	d.factory = nil
	if d.library != nil {
		if err := d.library.Close(); err != nil {
			slog.Error("failed to release plugin library", "path", d.library.Path(), "error", err)
		}
		d.library = nil
	}
}

// readyLocked は初期化状態に応じたエラーを返す。
func (d *DrmInstance) readyLocked() error {
	switch d.state {
	case stateReady:
		return nil
	case stateUnsupported:
		return domain.ErrUnsupported
	default:
		return domain.ErrUninitialized
	}
}

// pluginReadyLocked は操作可能なプラグインの存在を検査する。
func (d *DrmInstance) pluginReadyLocked() error {
	if err := d.readyLocked(); err != nil {
		return err
	}
	if d.plug == nil {
		return domain.ErrPluginNotCreated
	}
	return nil
}

// findFactoryLocked はスキームに対応するファクトリを解決して据え付ける。
// 失敗時はUnsupportedへ遷移し、ファクトリとライブラリを空にする。
func (d *DrmInstance) findFactoryLocked(uuid domain.UUID) {
	d.closeFactoryLocked()

	lib, factory, err := d.loader.LoadFactory(uuid)
	if err != nil {
		slog.Error("failed to find factory for scheme", "scheme", uuid.String(), "error", err)
		d.state = stateUnsupported
		if d.metrics != nil {
			d.metrics.PluginLoadTotal.WithLabelValues("unsupported").Inc()
		}
		return
	}
	d.library = lib
	d.factory = factory
	d.uuid = uuid
	d.state = stateReady
	if d.metrics != nil {
		d.metrics.PluginLoadTotal.WithLabelValues("ok").Inc()
	}
}

// SupportsScheme はスキーム（および任意のMIMEタイプ）への対応可否を返す。
// ロード失敗はすべて非対応として扱う。
func (d *DrmInstance) SupportsScheme(uuid domain.UUID, mimeType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.factory == nil || !d.factory.SupportsScheme(uuid) {
		d.findFactoryLocked(uuid)
		if d.state != stateReady {
			return false
		}
	}
	if mimeType != "" {
		return d.factory.SupportsContentType(mimeType)
	}
	return true
}

// CreatePlugin はスキームに対応するプラグインを生成して据え付ける。
// インスタンス自身がプラグインのイベントシンクとして登録される。
func (d *DrmInstance) CreatePlugin(uuid domain.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.plug != nil {
		return domain.ErrPluginAlreadyCreated
	}
	if d.factory == nil || !d.factory.SupportsScheme(uuid) {
		d.findFactoryLocked(uuid)
	}
	if err := d.readyLocked(); err != nil {
		return err
	}

	plug, err := d.factory.CreatePlugin(uuid)
	if err != nil {
		return err
	}
	plug.SetListener(d)
	d.plug = plug
	return nil
}

// DestroyPlugin はプラグインを解放する。
func (d *DrmInstance) DestroyPlugin() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.readyLocked(); err != nil {
		return err
	}
	if d.plug == nil {
		return domain.ErrPluginNotCreated
	}
	if err := d.plug.Close(); err != nil {
		slog.Error("failed to close plugin", "error", err)
	}
	d.plug = nil
	return nil
}

// OpenSession は新しいセッションを開き、アービターへ登録する。
// プラグインがResourceBusyを返した場合は回収を1回だけ試みる。
func (d *DrmInstance) OpenSession(ctx context.Context, callingPID int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}

	sessionID, err := d.plug.OpenSession(ctx)
	if errors.Is(err, domain.ErrResourceBusy) {
		if d.metrics != nil {
			d.metrics.OpenTotal.WithLabelValues("busy").Inc()
		}
		// Reclaimは他インスタンスのCloseSessionへ再入しうる。
		// インスタンスロックを保持したままではインスタンス間の回収経路と
		// 共有アービターロックの両方でデッドロックするため、呼び出し中は手放す。
		d.mu.Unlock()
		retry := d.arbiter.Reclaim(callingPID)
		d.mu.Lock()

		// ロック解放中に状態が変わった可能性があるため再検査する
		if err2 := d.pluginReadyLocked(); err2 != nil {
			return nil, err2
		}
		if retry {
			sessionID, err = d.plug.OpenSession(ctx)
		}
	}
	if err != nil {
		if d.metrics != nil {
			d.metrics.OpenTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	d.arbiter.AddSession(callingPID, d.tracker, sessionID)
	if d.metrics != nil {
		d.metrics.OpenTotal.WithLabelValues("ok").Inc()
		d.metrics.SessionsOpen.Inc()
	}
	return sessionID, nil
}

// CloseSession はセッションを閉じ、アービターから登録解除する。
func (d *DrmInstance) CloseSession(ctx context.Context, sessionID []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	if err := d.plug.CloseSession(ctx, sessionID); err != nil {
		return err
	}
	d.arbiter.RemoveSession(sessionID)
	if d.metrics != nil {
		d.metrics.SessionsOpen.Dec()
	}
	return nil
}

// GetKeyRequest はセッションに対する鍵要求を生成する。
func (d *DrmInstance) GetKeyRequest(ctx context.Context, sessionID, initData []byte, mimeType string,
	keyType domain.KeyType, parameters map[string]string) (*domain.KeyRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.GetKeyRequest(ctx, sessionID, initData, mimeType, keyType, parameters)
}

// ProvideKeyResponse はライセンス応答をプラグインへ渡し、鍵セットIDを返す。
func (d *DrmInstance) ProvideKeyResponse(ctx context.Context, sessionID, response []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.ProvideKeyResponse(ctx, sessionID, response)
}

// RemoveKeys は保存済み鍵セットを削除する。
func (d *DrmInstance) RemoveKeys(ctx context.Context, keySetID []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	return d.plug.RemoveKeys(ctx, keySetID)
}

// RestoreKeys は保存済み鍵セットをセッションへ復元する。
func (d *DrmInstance) RestoreKeys(ctx context.Context, sessionID, keySetID []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.RestoreKeys(ctx, sessionID, keySetID)
}

// QueryKeyStatus はセッションのライセンス状態を問い合わせる。
func (d *DrmInstance) QueryKeyStatus(ctx context.Context, sessionID []byte) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.QueryKeyStatus(ctx, sessionID)
}

// GetProvisionRequest はプロビジョニング要求を生成する。
func (d *DrmInstance) GetProvisionRequest(ctx context.Context, certType, certAuthority string) ([]byte, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, "", err
	}
	return d.plug.GetProvisionRequest(ctx, certType, certAuthority)
}

// ProvideProvisionResponse はプロビジョニング応答を適用する。
func (d *DrmInstance) ProvideProvisionResponse(ctx context.Context, response []byte) (certificate, wrappedKey []byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, nil, err
	}
	return d.plug.ProvideProvisionResponse(ctx, response)
}

// GetSecureStops は全セキュアストップを取得する。
func (d *DrmInstance) GetSecureStops(ctx context.Context) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	return d.plug.GetSecureStops(ctx)
}

// GetSecureStop は指定IDのセキュアストップを取得する。
func (d *DrmInstance) GetSecureStop(ctx context.Context, secureStopID []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	return d.plug.GetSecureStop(ctx, secureStopID)
}

// ReleaseSecureStops はトークンに対応するセキュアストップを解放する。
func (d *DrmInstance) ReleaseSecureStops(ctx context.Context, release []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	return d.plug.ReleaseSecureStops(ctx, release)
}

// ReleaseAllSecureStops は全セキュアストップを解放する。
func (d *DrmInstance) ReleaseAllSecureStops(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	return d.plug.ReleaseAllSecureStops(ctx)
}

// GetPropertyString は文字列プロパティを取得する。
func (d *DrmInstance) GetPropertyString(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return "", err
	}
	return d.plug.GetPropertyString(ctx, name)
}

// GetPropertyByteArray はバイト列プロパティを取得する。
func (d *DrmInstance) GetPropertyByteArray(ctx context.Context, name string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	return d.plug.GetPropertyByteArray(ctx, name)
}

// SetPropertyString は文字列プロパティを設定する。
func (d *DrmInstance) SetPropertyString(ctx context.Context, name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	return d.plug.SetPropertyString(ctx, name, value)
}

// SetPropertyByteArray はバイト列プロパティを設定する。
func (d *DrmInstance) SetPropertyByteArray(ctx context.Context, name string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	return d.plug.SetPropertyByteArray(ctx, name, value)
}

// SetCipherAlgorithm はセッションの暗号アルゴリズムを設定する。
func (d *DrmInstance) SetCipherAlgorithm(ctx context.Context, sessionID []byte, algorithm string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.SetCipherAlgorithm(ctx, sessionID, algorithm)
}

// SetMacAlgorithm はセッションのMACアルゴリズムを設定する。
func (d *DrmInstance) SetMacAlgorithm(ctx context.Context, sessionID []byte, algorithm string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.SetMacAlgorithm(ctx, sessionID, algorithm)
}

// Encrypt はセッション鍵で入力を暗号化する。
func (d *DrmInstance) Encrypt(ctx context.Context, sessionID, keyID, input, iv []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.Encrypt(ctx, sessionID, keyID, input, iv)
}

// Decrypt はセッション鍵で入力を復号する。
func (d *DrmInstance) Decrypt(ctx context.Context, sessionID, keyID, input, iv []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.Decrypt(ctx, sessionID, keyID, input, iv)
}

// Sign はセッション鍵でメッセージに署名する。
func (d *DrmInstance) Sign(ctx context.Context, sessionID, keyID, message []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.Sign(ctx, sessionID, keyID, message)
}

// Verify はセッション鍵で署名を検証する。
func (d *DrmInstance) Verify(ctx context.Context, sessionID, keyID, message, signature []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return false, err
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.Verify(ctx, sessionID, keyID, message, signature)
}

// SignRSA はラップ済みRSA鍵でメッセージに署名する。
// ACCESS_DRM_CERTIFICATESケーパビリティを要求する。
func (d *DrmInstance) SignRSA(ctx context.Context, callingPID int, sessionID []byte,
	algorithm string, message, wrappedKey []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pluginReadyLocked(); err != nil {
		return nil, err
	}
	if !d.perms.Check(callingPID, PermissionDRMCertificates) {
		slog.Error("request requires capability", "capability", PermissionDRMCertificates, "pid", callingPID)
		return nil, domain.ErrPermissionDenied
	}
	d.arbiter.UseSession(sessionID)
	return d.plug.SignRSA(ctx, sessionID, algorithm, message, wrappedKey)
}

// SetListener はクライアントリスナーを据え付ける。nilで取り外す。
// 旧リスナーの死活監視は解除され、新リスナーの監視が登録される。
func (d *DrmInstance) SetListener(listener ClientListener) {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()

	if d.unlinkDeath != nil {
		d.unlinkDeath()
		d.unlinkDeath = nil
	}
	if listener != nil {
		d.unlinkDeath = listener.LinkToDeath(d.listenerDied)
	}
	d.listener = listener
}

// listenerDied はリスナーチャネルの切断時に呼ばれる。リスナーを取り外し、
// プラグインとファクトリを解放する。ライセンス消費者を失ったプラグインに
// セッションや鍵を保持させ続けてはならない。
func (d *DrmInstance) listenerDied() {
	d.eventMu.Lock()
	d.listener = nil
	d.unlinkDeath = nil
	d.eventMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.plug != nil {
		if err := d.plug.Close(); err != nil {
			slog.Error("failed to close plugin after listener death", "error", err)
		}
		d.plug = nil
	}
	d.closeFactoryLocked()
	d.state = stateUninitialized
}
