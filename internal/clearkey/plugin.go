package clearkey

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"drm-host-service/internal/domain"
	drmplugin "drm-host-service/internal/plugin"
)

const (
	cipherAES_CTR = "AES/CTR/NoPadding"
	cipherAES_CBC = "AES/CBC/NoPadding"
	macHmacSHA256 = "HmacSHA256"

	rsaPKCS1SHA1   = "RSASSA-PKCS1-v1_5-SHA1"
	rsaPKCS1SHA256 = "RSASSA-PKCS1-v1_5-SHA256"
)

// session はプラグイン内のセッション状態。鍵は平文でメモリ上にのみ保持する。
type session struct {
	id        []byte
	keys      map[string][]byte
	cipherAlg string
	macAlg    string
}

// Plugin はClearKey方式のドメイン実装。drmplugin.Pluginを実装する。
type Plugin struct {
	mu       sync.Mutex
	store    *Store
	budget   *sessionBudget
	sessions map[string]*session

	listenerMu sync.Mutex
	listener   drmplugin.Listener

	stringProps map[string]string
	byteProps   map[string][]byte
}

// newPlugin は新しいPluginを生成する。
func newPlugin(store *Store, budget *sessionBudget) *Plugin {
	deviceID := uuid.New()
	return &Plugin{
		store:    store,
		budget:   budget,
		sessions: make(map[string]*session),
		stringProps: map[string]string{
			"vendor":      "clearkey",
			"version":     "1.2",
			"description": "ClearKey CDM",
			"algorithms":  cipherAES_CTR + "," + cipherAES_CBC + "," + macHmacSHA256,
		},
		byteProps: map[string][]byte{
			"deviceUniqueId": deviceID[:],
		},
	}
}

// SetListener はイベントシンクを据え付ける。
func (p *Plugin) SetListener(listener drmplugin.Listener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listener = listener
}

func (p *Plugin) snapshotListener() drmplugin.Listener {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	return p.listener
}

// OpenSession は新しいセッションを開く。共有容量の枯渇時はResourceBusyを返す。
func (p *Plugin) OpenSession(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.budget.acquire() {
		return nil, domain.ErrResourceBusy
	}
	id := uuid.New()
	s := &session{
		id:   id[:],
		keys: make(map[string][]byte),
	}
	p.sessions[string(s.id)] = s
	return append([]byte(nil), s.id...), nil
}

// CloseSession はセッションを閉じ、解放の証跡としてセキュアストップを残す。
func (p *Plugin) CloseSession(ctx context.Context, sessionID []byte) error {
	p.mu.Lock()
	s, ok := p.sessions[string(sessionID)]
	if ok {
		delete(p.sessions, string(sessionID))
		p.budget.release(1)
	}
	p.mu.Unlock()

	if !ok {
		return domain.ErrSessionNotFound
	}

	data, err := json.Marshal(map[string]string{
		"session_id": base64.StdEncoding.EncodeToString(s.id),
		"closed_at":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding secure stop: %w", err)
	}
	return p.store.AddSecureStop(ctx, hex.EncodeToString(s.id), s.id, data)
}

func (p *Plugin) lookupSession(sessionID []byte) (*session, error) {
	s, ok := p.sessions[string(sessionID)]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

// keyRequest はW3C ClearKey形式の鍵要求本体。
type keyRequest struct {
	KIDs []string `json:"kids"`
	Type string   `json:"type"`
}

// keyResponse はW3C ClearKey形式のライセンス応答本体。
type keyResponse struct {
	Keys []struct {
		KTY string `json:"kty"`
		KID string `json:"kid"`
		K   string `json:"k"`
	} `json:"keys"`
	Type string `json:"type"`
}

// GetKeyRequest はinitDataの鍵ID一覧からClearKey形式の鍵要求を生成する。
func (p *Plugin) GetKeyRequest(ctx context.Context, sessionID, initData []byte, mimeType string,
	keyType domain.KeyType, parameters map[string]string) (*domain.KeyRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.lookupSession(sessionID); err != nil {
		return nil, err
	}

	var init struct {
		KIDs []string `json:"kids"`
	}
	if len(initData) > 0 {
		if err := json.Unmarshal(initData, &init); err != nil {
			return nil, fmt.Errorf("decoding init data: %w", err)
		}
	}

	req := keyRequest{KIDs: init.KIDs}
	reqType := domain.KeyRequestTypeInitial
	switch keyType {
	case domain.KeyTypeOffline:
		req.Type = "persistent-license"
	case domain.KeyTypeRelease:
		req.Type = "release"
		reqType = domain.KeyRequestTypeRelease
	default:
		req.Type = "temporary"
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding key request: %w", err)
	}
	return &domain.KeyRequest{Request: raw, DefaultURL: "", Type: reqType}, nil
}

// ProvideKeyResponse はライセンス応答の鍵をセッションへ取り込む。
// persistent-license応答は鍵セットIDを払い出して保存する。
func (p *Plugin) ProvideKeyResponse(ctx context.Context, sessionID, response []byte) ([]byte, error) {
	p.mu.Lock()
	s, err := p.lookupSession(sessionID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	var resp keyResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("decoding key response: %w", err)
	}
	if len(resp.Keys) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("key response contains no keys")
	}

	statuses := make([]domain.KeyStatus, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		kid, err := base64.RawURLEncoding.DecodeString(k.KID)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("decoding key id: %w", err)
		}
		key, err := base64.RawURLEncoding.DecodeString(k.K)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("decoding key: %w", err)
		}
		s.keys[string(kid)] = key
		statuses = append(statuses, domain.KeyStatus{KeyID: kid, Status: domain.KeyStatusUsable})
	}

	var keySetID []byte
	if resp.Type == "persistent-license" {
		id := uuid.NewString()
		keys := make(map[string][]byte, len(s.keys))
		for kid, key := range s.keys {
			keys[kid] = key
		}
		p.mu.Unlock()
		if err := p.store.SaveLicense(ctx, id, keys); err != nil {
			return nil, err
		}
		keySetID = []byte(id)
	} else {
		p.mu.Unlock()
	}

	sid := append([]byte(nil), sessionID...)
	if listener := p.snapshotListener(); listener != nil {
		listener.SendKeysChange(sid, statuses, true)
		listener.SendExpirationUpdate(sid, 0)
	}
	return keySetID, nil
}

// RemoveKeys は保存済み鍵セットを削除する。
func (p *Plugin) RemoveKeys(ctx context.Context, keySetID []byte) error {
	return p.store.DeleteLicense(ctx, string(keySetID))
}

// RestoreKeys は保存済み鍵セットをセッションへ復元する。
func (p *Plugin) RestoreKeys(ctx context.Context, sessionID, keySetID []byte) error {
	keys, err := p.store.LoadLicense(ctx, string(keySetID))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupSession(sessionID)
	if err != nil {
		return err
	}
	for kid, key := range keys {
		s.keys[kid] = key
	}
	return nil
}

// QueryKeyStatus はセッションのライセンス状態を返す。
func (p *Plugin) QueryKeyStatus(ctx context.Context, sessionID []byte) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	info := map[string]string{
		"NumKeys":     strconv.Itoa(len(s.keys)),
		"LicenseType": "streaming",
		"PlayAllowed": "True",
	}
	for kid := range s.keys {
		info["Key."+base64.RawURLEncoding.EncodeToString([]byte(kid))] = "Usable"
	}
	return info, nil
}

// GetProvisionRequest はプロビジョニング要求を生成する。
func (p *Plugin) GetProvisionRequest(ctx context.Context, certType, certAuthority string) ([]byte, string, error) {
	p.mu.Lock()
	deviceID := append([]byte(nil), p.byteProps["deviceUniqueId"]...)
	p.mu.Unlock()

	raw, err := json.Marshal(map[string]string{
		"device_id":      base64.StdEncoding.EncodeToString(deviceID),
		"cert_type":      certType,
		"cert_authority": certAuthority,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encoding provision request: %w", err)
	}
	return raw, "", nil
}

// ProvideProvisionResponse はプロビジョニング応答から証明書とラップ鍵を取り出す。
func (p *Plugin) ProvideProvisionResponse(ctx context.Context, response []byte) ([]byte, []byte, error) {
	var resp struct {
		Certificate string `json:"certificate"`
		WrappedKey  string `json:"wrapped_key"`
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, nil, fmt.Errorf("decoding provision response: %w", err)
	}
	cert, err := base64.StdEncoding.DecodeString(resp.Certificate)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding certificate: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(resp.WrappedKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding wrapped key: %w", err)
	}

	p.mu.Lock()
	p.byteProps["serviceCertificate"] = cert
	p.mu.Unlock()
	return cert, wrapped, nil
}

// GetSecureStops は全セキュアストップを返す。
func (p *Plugin) GetSecureStops(ctx context.Context) ([][]byte, error) {
	models, err := p.store.ListSecureStops(ctx)
	if err != nil {
		return nil, err
	}
	stops := make([][]byte, len(models))
	for i, m := range models {
		stops[i] = m.Data
	}
	return stops, nil
}

// GetSecureStop は指定IDのセキュアストップを返す。
func (p *Plugin) GetSecureStop(ctx context.Context, secureStopID []byte) ([]byte, error) {
	model, err := p.store.GetSecureStop(ctx, hex.EncodeToString(secureStopID))
	if err != nil {
		return nil, err
	}
	return model.Data, nil
}

// secureStopRelease はライセンスサーバー発行の解放トークンの本体。
type secureStopRelease struct {
	SecureStopIDs []string `json:"secure_stop_ids"`
}

// ReleaseSecureStops は解放トークンに列挙されたセキュアストップを削除する。
func (p *Plugin) ReleaseSecureStops(ctx context.Context, release []byte) error {
	var tok secureStopRelease
	if err := json.Unmarshal(release, &tok); err != nil {
		return fmt.Errorf("decoding secure stop release: %w", err)
	}
	ids := make([]string, 0, len(tok.SecureStopIDs))
	for _, b64 := range tok.SecureStopIDs {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("decoding secure stop id: %w", err)
		}
		ids = append(ids, hex.EncodeToString(raw))
	}
	return p.store.DeleteSecureStops(ctx, ids)
}

// ReleaseAllSecureStops は全セキュアストップを削除する。
func (p *Plugin) ReleaseAllSecureStops(ctx context.Context) error {
	return p.store.DeleteAllSecureStops(ctx)
}

// GetPropertyString は文字列プロパティを返す。
func (p *Plugin) GetPropertyString(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.stringProps[name]
	if !ok {
		return "", domain.ErrInvalidProperty
	}
	return v, nil
}

// GetPropertyByteArray はバイト列プロパティを返す。
func (p *Plugin) GetPropertyByteArray(ctx context.Context, name string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.byteProps[name]
	if !ok {
		return nil, domain.ErrInvalidProperty
	}
	return append([]byte(nil), v...), nil
}

// SetPropertyString は文字列プロパティを設定する。設定可能なのはappIdのみ。
func (p *Plugin) SetPropertyString(ctx context.Context, name, value string) error {
	if name != "appId" {
		return domain.ErrInvalidProperty
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stringProps[name] = value
	return nil
}

// SetPropertyByteArray はバイト列プロパティを設定する。設定可能なのは
// serviceCertificateのみ。
func (p *Plugin) SetPropertyByteArray(ctx context.Context, name string, value []byte) error {
	if name != "serviceCertificate" {
		return domain.ErrInvalidProperty
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byteProps[name] = append([]byte(nil), value...)
	return nil
}

// SetCipherAlgorithm はセッションの暗号アルゴリズムを設定する。
func (p *Plugin) SetCipherAlgorithm(ctx context.Context, sessionID []byte, algorithm string) error {
	if algorithm != cipherAES_CTR && algorithm != cipherAES_CBC {
		return domain.ErrInvalidAlgorithm
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupSession(sessionID)
	if err != nil {
		return err
	}
	s.cipherAlg = algorithm
	return nil
}

// SetMacAlgorithm はセッションのMACアルゴリズムを設定する。
func (p *Plugin) SetMacAlgorithm(ctx context.Context, sessionID []byte, algorithm string) error {
	if algorithm != macHmacSHA256 {
		return domain.ErrInvalidAlgorithm
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupSession(sessionID)
	if err != nil {
		return err
	}
	s.macAlg = algorithm
	return nil
}

// sessionKey はセッションから鍵IDに対応する鍵を取り出す。
func (p *Plugin) sessionKey(sessionID, keyID []byte) ([]byte, string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupSession(sessionID)
	if err != nil {
		return nil, "", "", err
	}
	key, ok := s.keys[string(keyID)]
	if !ok {
		return nil, "", "", domain.ErrKeyNotFound
	}
	return key, s.cipherAlg, s.macAlg, nil
}

// Encrypt はセッション鍵で入力を暗号化する。
func (p *Plugin) Encrypt(ctx context.Context, sessionID, keyID, input, iv []byte) ([]byte, error) {
	key, cipherAlg, _, err := p.sessionKey(sessionID, keyID)
	if err != nil {
		return nil, err
	}
	return applyCipher(cipherAlg, key, input, iv, true)
}

// Decrypt はセッション鍵で入力を復号する。
func (p *Plugin) Decrypt(ctx context.Context, sessionID, keyID, input, iv []byte) ([]byte, error) {
	key, cipherAlg, _, err := p.sessionKey(sessionID, keyID)
	if err != nil {
		return nil, err
	}
	return applyCipher(cipherAlg, key, input, iv, false)
}

func applyCipher(algorithm string, key, input, iv []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}

	out := make([]byte, len(input))
	switch algorithm {
	case cipherAES_CTR:
		cipher.NewCTR(block, iv).XORKeyStream(out, input)
	case cipherAES_CBC:
		if len(input)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("input length must be a multiple of %d bytes", aes.BlockSize)
		}
		if encrypt {
			cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, input)
		} else {
			cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, input)
		}
	default:
		return nil, domain.ErrInvalidAlgorithm
	}
	return out, nil
}

// Sign はセッション鍵でHMACを計算する。
func (p *Plugin) Sign(ctx context.Context, sessionID, keyID, message []byte) ([]byte, error) {
	key, _, macAlg, err := p.sessionKey(sessionID, keyID)
	if err != nil {
		return nil, err
	}
	if macAlg != macHmacSHA256 {
		return nil, domain.ErrInvalidAlgorithm
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil), nil
}

// Verify はセッション鍵でHMACを検証する。
func (p *Plugin) Verify(ctx context.Context, sessionID, keyID, message, signature []byte) (bool, error) {
	expected, err := p.Sign(ctx, sessionID, keyID, message)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, signature), nil
}

// SignRSA はラップ済みRSA秘密鍵でメッセージに署名する。
// ラップ鍵はストアのラッパーで復号したPKCS#1 DER形式の秘密鍵。
func (p *Plugin) SignRSA(ctx context.Context, sessionID []byte, algorithm string, message, wrappedKey []byte) ([]byte, error) {
	p.mu.Lock()
	_, err := p.lookupSession(sessionID)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	der, err := p.store.wrapper.Decrypt(ctx, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping rsa key: %w", err)
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing rsa key: %w", err)
	}

	switch algorithm {
	case rsaPKCS1SHA1:
		digest := sha1.Sum(message)
		return rsa.SignPKCS1v15(nil, priv, crypto.SHA1, digest[:])
	case rsaPKCS1SHA256:
		digest := sha256.Sum256(message)
		return rsa.SignPKCS1v15(nil, priv, crypto.SHA256, digest[:])
	default:
		return nil, domain.ErrInvalidAlgorithm
	}
}

// Close は全セッションを破棄し、共有容量を返却する。
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budget.release(len(p.sessions))
	p.sessions = make(map[string]*session)
	return nil
}
