// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"drm-host-service/internal/domain"
	"drm-host-service/internal/middleware"
	"drm-host-service/internal/usecase"
	"drm-host-service/pkg/httputil"
)

// DrmHandler はDRMホストのHTTPハンドラを提供する。
type DrmHandler struct {
	host *usecase.Host
}

// NewDrmHandler は新しいDrmHandlerを生成する。
func NewDrmHandler(host *usecase.Host) *DrmHandler {
	return &DrmHandler{host: host}
}

// callerPID はX-Caller-Pidヘッダから呼び出し元PIDを解決する。
// ヘッダが無い場合はホスト自身（同一プロセス）として扱う。
func callerPID(r *http.Request) int {
	if v := r.Header.Get("X-Caller-Pid"); v != "" {
		if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
			return pid
		}
	}
	return os.Getpid()
}

func (h *DrmHandler) instance(w http.ResponseWriter, r *http.Request) (*usecase.DrmInstance, string, bool) {
	id := chi.URLParam(r, "instance_id")
	inst, ok := h.host.Instance(id)
	if !ok {
		httputil.DomainError(w, domain.ErrInstanceNotFound)
		return nil, "", false
	}
	return inst, id, true
}

func sessionIDParam(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	sid, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "session_id"))
	if err != nil || len(sid) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SESSION_ID", "invalid session ID encoding")
		return nil, false
	}
	return sid, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return false
	}
	return true
}

func decodeB64(w http.ResponseWriter, field, value string) ([]byte, bool) {
	if value == "" {
		return nil, true
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_ENCODING", "field "+field+" is not valid base64")
		return nil, false
	}
	return raw, true
}

// CreateInstance は新しいDRMインスタンスを生成する。
func (h *DrmHandler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	id, _ := h.host.CreateInstance()
	middleware.WriteAuditLog(r.Context(), "CREATE_INSTANCE", id, callerPID(r), "SUCCESS")
	httputil.JSON(w, http.StatusCreated, map[string]string{"instance_id": id})
}

// ReleaseInstance はDRMインスタンスを破棄する。
func (h *DrmHandler) ReleaseInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")
	if err := h.host.ReleaseInstance(id); err != nil {
		middleware.WriteAuditLog(r.Context(), "RELEASE_INSTANCE", id, callerPID(r), "FAILED")
		httputil.DomainError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "RELEASE_INSTANCE", id, callerPID(r), "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// Supports はスキームとMIMEタイプへの対応可否を返す。
func (h *DrmHandler) Supports(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	scheme, err := domain.ParseUUID(r.URL.Query().Get("scheme"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SCHEME", "invalid scheme UUID")
		return
	}
	supported := inst.SupportsScheme(scheme, r.URL.Query().Get("mime"))
	httputil.JSON(w, http.StatusOK, map[string]bool{"supported": supported})
}

// CreatePlugin はスキームに対応するプラグインを生成する。
func (h *DrmHandler) CreatePlugin(w http.ResponseWriter, r *http.Request) {
	inst, id, ok := h.instance(w, r)
	if !ok {
		return
	}
	var req struct {
		Scheme string `json:"scheme"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	scheme, err := domain.ParseUUID(req.Scheme)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SCHEME", "invalid scheme UUID")
		return
	}
	if err := inst.CreatePlugin(scheme); err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_PLUGIN", id, callerPID(r), "FAILED")
		httputil.DomainError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "CREATE_PLUGIN", id, callerPID(r), "SUCCESS")
	w.WriteHeader(http.StatusCreated)
}

// DestroyPlugin はプラグインを解放する。
func (h *DrmHandler) DestroyPlugin(w http.ResponseWriter, r *http.Request) {
	inst, id, ok := h.instance(w, r)
	if !ok {
		return
	}
	if err := inst.DestroyPlugin(); err != nil {
		httputil.DomainError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "DESTROY_PLUGIN", id, callerPID(r), "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// OpenSession は新しいセッションを開く。
func (h *DrmHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, err := inst.OpenSession(r.Context(), callerPID(r))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, map[string]string{
		"session_id": base64.RawURLEncoding.EncodeToString(sid),
	})
}

// CloseSession はセッションを閉じる。
func (h *DrmHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	if err := inst.CloseSession(r.Context(), sid); err != nil {
		httputil.DomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetKeyRequest は鍵要求を生成する。
func (h *DrmHandler) GetKeyRequest(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		InitData   string            `json:"init_data"`
		MimeType   string            `json:"mime_type"`
		KeyType    string            `json:"key_type"`
		Parameters map[string]string `json:"parameters"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	initData, ok := decodeB64(w, "init_data", req.InitData)
	if !ok {
		return
	}
	keyType, err := parseKeyType(req.KeyType)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_TYPE", "key_type must be streaming, offline or release")
		return
	}

	keyReq, err := inst.GetKeyRequest(r.Context(), sid, initData, req.MimeType, keyType, req.Parameters)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"request":      base64.StdEncoding.EncodeToString(keyReq.Request),
		"default_url":  keyReq.DefaultURL,
		"request_type": keyRequestTypeName(keyReq.Type),
	})
}

// ProvideKeyResponse はライセンス応答を適用する。
func (h *DrmHandler) ProvideKeyResponse(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Response string `json:"response"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	response, ok := decodeB64(w, "response", req.Response)
	if !ok {
		return
	}

	keySetID, err := inst.ProvideKeyResponse(r.Context(), sid, response)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{
		"key_set_id": base64.StdEncoding.EncodeToString(keySetID),
	})
}

// RestoreKeys は保存済み鍵セットをセッションへ復元する。
func (h *DrmHandler) RestoreKeys(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		KeySetID string `json:"key_set_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	keySetID, ok := decodeB64(w, "key_set_id", req.KeySetID)
	if !ok {
		return
	}
	if err := inst.RestoreKeys(r.Context(), sid, keySetID); err != nil {
		httputil.DomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveKeys は保存済み鍵セットを削除する。
func (h *DrmHandler) RemoveKeys(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	keySetID, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "key_set_id"))
	if err != nil || len(keySetID) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_SET_ID", "invalid key set ID encoding")
		return
	}
	if err := inst.RemoveKeys(r.Context(), keySetID); err != nil {
		httputil.DomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryKeyStatus はセッションのライセンス状態を返す。
func (h *DrmHandler) QueryKeyStatus(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	status, err := inst.QueryKeyStatus(r.Context(), sid)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

// GetProvisionRequest はプロビジョニング要求を生成する。
func (h *DrmHandler) GetProvisionRequest(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	var req struct {
		CertType      string `json:"cert_type"`
		CertAuthority string `json:"cert_authority"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	request, defaultURL, err := inst.GetProvisionRequest(r.Context(), req.CertType, req.CertAuthority)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{
		"request":     base64.StdEncoding.EncodeToString(request),
		"default_url": defaultURL,
	})
}

// ProvideProvisionResponse はプロビジョニング応答を適用する。
func (h *DrmHandler) ProvideProvisionResponse(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	var req struct {
		Response string `json:"response"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	response, ok := decodeB64(w, "response", req.Response)
	if !ok {
		return
	}
	cert, wrappedKey, err := inst.ProvideProvisionResponse(r.Context(), response)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{
		"certificate": base64.StdEncoding.EncodeToString(cert),
		"wrapped_key": base64.StdEncoding.EncodeToString(wrappedKey),
	})
}

// GetSecureStops は全セキュアストップを返す。
func (h *DrmHandler) GetSecureStops(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	stops, err := inst.GetSecureStops(r.Context())
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	encoded := make([]string, len(stops))
	for i, s := range stops {
		encoded[i] = base64.StdEncoding.EncodeToString(s)
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"secure_stops": encoded})
}

// GetSecureStop は指定IDのセキュアストップを返す。
func (h *DrmHandler) GetSecureStop(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	ssid, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "secure_stop_id"))
	if err != nil || len(ssid) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SECURE_STOP_ID", "invalid secure stop ID encoding")
		return
	}
	stop, err := inst.GetSecureStop(r.Context(), ssid)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{
		"secure_stop": base64.StdEncoding.EncodeToString(stop),
	})
}

// ReleaseSecureStops は解放トークンに対応するセキュアストップを解放する。
func (h *DrmHandler) ReleaseSecureStops(w http.ResponseWriter, r *http.Request) {
	inst, id, ok := h.instance(w, r)
	if !ok {
		return
	}
	var req struct {
		Release string `json:"release"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	release, ok := decodeB64(w, "release", req.Release)
	if !ok {
		return
	}
	if err := inst.ReleaseSecureStops(r.Context(), release); err != nil {
		middleware.WriteAuditLog(r.Context(), "RELEASE_SECURE_STOPS", id, callerPID(r), "FAILED")
		httputil.DomainError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "RELEASE_SECURE_STOPS", id, callerPID(r), "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// ReleaseAllSecureStops は全セキュアストップを解放する。
func (h *DrmHandler) ReleaseAllSecureStops(w http.ResponseWriter, r *http.Request) {
	inst, id, ok := h.instance(w, r)
	if !ok {
		return
	}
	if err := inst.ReleaseAllSecureStops(r.Context()); err != nil {
		middleware.WriteAuditLog(r.Context(), "RELEASE_ALL_SECURE_STOPS", id, callerPID(r), "FAILED")
		httputil.DomainError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "RELEASE_ALL_SECURE_STOPS", id, callerPID(r), "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// GetProperty はプロパティを取得する。format=bytesでバイト列プロパティ。
func (h *DrmHandler) GetProperty(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if r.URL.Query().Get("format") == "bytes" {
		value, err := inst.GetPropertyByteArray(r.Context(), name)
		if err != nil {
			httputil.DomainError(w, err)
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]string{
			"name":  name,
			"value": base64.StdEncoding.EncodeToString(value),
		})
		return
	}
	value, err := inst.GetPropertyString(r.Context(), name)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
}

// SetProperty はプロパティを設定する。
func (h *DrmHandler) SetProperty(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	var req struct {
		Value  string `json:"value"`
		Format string `json:"format"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Format == "bytes" {
		value, ok := decodeB64(w, "value", req.Value)
		if !ok {
			return
		}
		if err := inst.SetPropertyByteArray(r.Context(), name, value); err != nil {
			httputil.DomainError(w, err)
			return
		}
	} else {
		if err := inst.SetPropertyString(r.Context(), name, req.Value); err != nil {
			httputil.DomainError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetCipherAlgorithm はセッションの暗号アルゴリズムを設定する。
func (h *DrmHandler) SetCipherAlgorithm(w http.ResponseWriter, r *http.Request) {
	h.setAlgorithm(w, r, (*usecase.DrmInstance).SetCipherAlgorithm)
}

// SetMacAlgorithm はセッションのMACアルゴリズムを設定する。
func (h *DrmHandler) SetMacAlgorithm(w http.ResponseWriter, r *http.Request) {
	h.setAlgorithm(w, r, (*usecase.DrmInstance).SetMacAlgorithm)
}

func (h *DrmHandler) setAlgorithm(w http.ResponseWriter, r *http.Request,
	set func(*usecase.DrmInstance, context.Context, []byte, string) error) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Algorithm string `json:"algorithm"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := set(inst, r.Context(), sid, req.Algorithm); err != nil {
		httputil.DomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Encrypt はセッション鍵で入力を暗号化する。
func (h *DrmHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	h.cipherOp(w, r, (*usecase.DrmInstance).Encrypt)
}

// Decrypt はセッション鍵で入力を復号する。
func (h *DrmHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	h.cipherOp(w, r, (*usecase.DrmInstance).Decrypt)
}

func (h *DrmHandler) cipherOp(w http.ResponseWriter, r *http.Request,
	op func(*usecase.DrmInstance, context.Context, []byte, []byte, []byte, []byte) ([]byte, error)) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		KeyID string `json:"key_id"`
		Input string `json:"input"`
		IV    string `json:"iv"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	keyID, ok := decodeB64(w, "key_id", req.KeyID)
	if !ok {
		return
	}
	input, ok := decodeB64(w, "input", req.Input)
	if !ok {
		return
	}
	iv, ok := decodeB64(w, "iv", req.IV)
	if !ok {
		return
	}
	output, err := op(inst, r.Context(), sid, keyID, input, iv)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{
		"output": base64.StdEncoding.EncodeToString(output),
	})
}

// Sign はセッション鍵でメッセージに署名する。
func (h *DrmHandler) Sign(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		KeyID   string `json:"key_id"`
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	keyID, ok := decodeB64(w, "key_id", req.KeyID)
	if !ok {
		return
	}
	message, ok := decodeB64(w, "message", req.Message)
	if !ok {
		return
	}
	signature, err := inst.Sign(r.Context(), sid, keyID, message)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{
		"signature": base64.StdEncoding.EncodeToString(signature),
	})
}

// Verify はセッション鍵で署名を検証する。
func (h *DrmHandler) Verify(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		KeyID     string `json:"key_id"`
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	keyID, ok := decodeB64(w, "key_id", req.KeyID)
	if !ok {
		return
	}
	message, ok := decodeB64(w, "message", req.Message)
	if !ok {
		return
	}
	signature, ok := decodeB64(w, "signature", req.Signature)
	if !ok {
		return
	}
	match, err := inst.Verify(r.Context(), sid, keyID, message, signature)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"match": match})
}

// SignRSA はラップ済みRSA鍵でメッセージに署名する。権限ゲート付き。
func (h *DrmHandler) SignRSA(w http.ResponseWriter, r *http.Request) {
	inst, id, ok := h.instance(w, r)
	if !ok {
		return
	}
	sid, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Algorithm  string `json:"algorithm"`
		Message    string `json:"message"`
		WrappedKey string `json:"wrapped_key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	message, ok := decodeB64(w, "message", req.Message)
	if !ok {
		return
	}
	wrappedKey, ok := decodeB64(w, "wrapped_key", req.WrappedKey)
	if !ok {
		return
	}
	signature, err := inst.SignRSA(r.Context(), callerPID(r), sid, req.Algorithm, message, wrappedKey)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "SIGN_RSA", id, callerPID(r), "FAILED")
		httputil.DomainError(w, err)
		return
	}
	middleware.WriteAuditLog(r.Context(), "SIGN_RSA", id, callerPID(r), "SUCCESS")
	httputil.JSON(w, http.StatusOK, map[string]string{
		"signature": base64.StdEncoding.EncodeToString(signature),
	})
}

// StreamEvents はリスナーチャネルをSSEで確立する。接続断が死活通知となる。
func (h *DrmHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := h.instance(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listener := newSSEListener(w, flusher)
	inst.SetListener(listener)

	<-r.Context().Done()
	listener.die()
}

func parseKeyType(s string) (domain.KeyType, error) {
	switch s {
	case "", "streaming":
		return domain.KeyTypeStreaming, nil
	case "offline":
		return domain.KeyTypeOffline, nil
	case "release":
		return domain.KeyTypeRelease, nil
	default:
		return 0, fmt.Errorf("unknown key type %q", s)
	}
}

func keyRequestTypeName(t domain.KeyRequestType) string {
	switch t {
	case domain.KeyRequestTypeRenewal:
		return "renewal"
	case domain.KeyRequestTypeRelease:
		return "release"
	default:
		return "initial"
	}
}
