package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"drm-host-service/config"
	"drm-host-service/internal/arbiter"
	"drm-host-service/internal/clearkey"
	drmplugin "drm-host-service/internal/plugin"
	"drm-host-service/internal/usecase"
)

// plainWrapper はテスト用の鍵ラッパー。前置詞を付けるだけで往復可能。
type plainWrapper struct{}

func (plainWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte("wrapped:"), plaintext...), nil
}

func (plainWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return ciphertext[len("wrapped:"):], nil
}

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := clearkey.Migrate(db); err != nil {
		t.Fatalf("failed to migrate clearkey store: %v", err)
	}
	store := clearkey.NewStore(db, plainWrapper{})

	loader := drmplugin.NewFactoryLoader(drmplugin.NewRegistry(), t.TempDir(),
		drmplugin.WithBuiltin(clearkey.BuiltinPath, clearkey.NewImage(store, 8)),
	)
	host := usecase.NewHost(loader, arbiter.NewManager(nil, nil), &usecase.LocalPermissionChecker{}, nil)
	t.Cleanup(host.Close)

	router := NewRouter(NewDrmHandler(host), &config.Config{})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return resp, result
}

func createInstance(t *testing.T, server *httptest.Server) string {
	t.Helper()
	resp, result := doJSON(t, http.MethodPost, server.URL+"/v1/instances", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d", resp.StatusCode)
	}
	id, _ := result["instance_id"].(string)
	if id == "" {
		t.Fatal("want instance_id in response")
	}
	return id
}

func TestDrmHandler_InstanceLifecycle(t *testing.T) {
	server := setupTestServer(t)
	id := createInstance(t, server)

	resp, _ := doJSON(t, http.MethodDelete, server.URL+"/v1/instances/"+id, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("want 204, got %d", resp.StatusCode)
	}

	resp, result := doJSON(t, http.MethodDelete, server.URL+"/v1/instances/"+id, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("want 404 for a released instance, got %d", resp.StatusCode)
	}
	if result["code"] != "INSTANCE_NOT_FOUND" {
		t.Errorf("want INSTANCE_NOT_FOUND, got %v", result["code"])
	}
}

func TestDrmHandler_Supports(t *testing.T) {
	server := setupTestServer(t)
	id := createInstance(t, server)

	url := server.URL + "/v1/instances/" + id + "/supports?scheme=" + clearkey.SchemeUUID.String()
	resp, result := doJSON(t, http.MethodGet, url, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	if result["supported"] != true {
		t.Error("want clearkey scheme supported")
	}

	url = server.URL + "/v1/instances/" + id + "/supports?scheme=00000000-0000-0000-0000-000000000001"
	_, result = doJSON(t, http.MethodGet, url, nil, nil)
	if result["supported"] != false {
		t.Error("want unknown scheme unsupported")
	}
}

func TestDrmHandler_SessionFlow(t *testing.T) {
	server := setupTestServer(t)
	id := createInstance(t, server)
	base := server.URL + "/v1/instances/" + id

	resp, _ := doJSON(t, http.MethodPost, base+"/plugin",
		map[string]string{"scheme": clearkey.SchemeUUID.String()}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201 for plugin creation, got %d", resp.StatusCode)
	}

	// プラグインの二重生成は409
	resp, result := doJSON(t, http.MethodPost, base+"/plugin",
		map[string]string{"scheme": clearkey.SchemeUUID.String()}, nil)
	if resp.StatusCode != http.StatusConflict || result["code"] != "PLUGIN_ALREADY_CREATED" {
		t.Errorf("want PLUGIN_ALREADY_CREATED conflict, got %d %v", resp.StatusCode, result["code"])
	}

	resp, result = doJSON(t, http.MethodPost, base+"/sessions", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201 for session open, got %d", resp.StatusCode)
	}
	sid, _ := result["session_id"].(string)
	if sid == "" {
		t.Fatal("want session_id in response")
	}

	resp, _ = doJSON(t, http.MethodDelete, base+"/sessions/"+sid, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("want 204 for session close, got %d", resp.StatusCode)
	}
}

func TestDrmHandler_OperationBeforePlugin_Conflict(t *testing.T) {
	server := setupTestServer(t)
	id := createInstance(t, server)

	resp, result := doJSON(t, http.MethodPost, server.URL+"/v1/instances/"+id+"/sessions", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("want 409 before plugin creation, got %d", resp.StatusCode)
	}
	if result["code"] != "UNINITIALIZED" {
		t.Errorf("want UNINITIALIZED, got %v", result["code"])
	}
}

func TestDrmHandler_SignRSA_PermissionGate(t *testing.T) {
	server := setupTestServer(t)
	id := createInstance(t, server)
	base := server.URL + "/v1/instances/" + id

	if resp, _ := doJSON(t, http.MethodPost, base+"/plugin",
		map[string]string{"scheme": clearkey.SchemeUUID.String()}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatal("plugin creation failed")
	}
	_, result := doJSON(t, http.MethodPost, base+"/sessions", nil, nil)
	sid, _ := result["session_id"].(string)

	// 許可リスト外の別プロセスからの呼び出しは拒否される
	body := map[string]string{
		"algorithm":   "RSASSA-PKCS1-v1_5-SHA256",
		"message":     "bWVzc2FnZQ==",
		"wrapped_key": "d3JhcHBlZA==",
	}
	resp, result := doJSON(t, http.MethodPost, base+"/sessions/"+sid+"/sign-rsa", body,
		map[string]string{"X-Caller-Pid": strconv.Itoa(999999)})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("want 403 for a foreign caller, got %d", resp.StatusCode)
	}
	if result["code"] != "PERMISSION_DENIED" {
		t.Errorf("want PERMISSION_DENIED, got %v", result["code"])
	}
}

func TestDrmHandler_Properties(t *testing.T) {
	server := setupTestServer(t)
	id := createInstance(t, server)
	base := server.URL + "/v1/instances/" + id

	if resp, _ := doJSON(t, http.MethodPost, base+"/plugin",
		map[string]string{"scheme": clearkey.SchemeUUID.String()}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatal("plugin creation failed")
	}

	resp, result := doJSON(t, http.MethodGet, base+"/properties/vendor", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	if result["value"] != "clearkey" {
		t.Errorf("want vendor clearkey, got %v", result["value"])
	}

	resp, _ = doJSON(t, http.MethodPut, base+"/properties/appId",
		map[string]string{"value": "player-app"}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("want 204 for property set, got %d", resp.StatusCode)
	}

	resp, result = doJSON(t, http.MethodGet, base+"/properties/unknown", nil, nil)
	if resp.StatusCode != http.StatusBadRequest || result["code"] != "INVALID_PROPERTY" {
		t.Errorf("want INVALID_PROPERTY, got %d %v", resp.StatusCode, result["code"])
	}
}
