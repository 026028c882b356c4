package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"drm-host-service/internal/domain"
)

// stubFactory はテスト用のファクトリ。単一スキームのみ受理する。
type stubFactory struct {
	scheme domain.UUID
}

func (f *stubFactory) SupportsScheme(uuid domain.UUID) bool {
	return uuid == f.scheme
}

func (f *stubFactory) SupportsContentType(mimeType string) bool {
	return true
}

func (f *stubFactory) CreatePlugin(uuid domain.UUID) (Plugin, error) {
	return nil, domain.ErrUnsupported
}

func factoryImage(factory Factory) *fakeImage {
	return &fakeImage{symbols: map[string]any{
		FactorySymbol: CreateFactoryFunc(func() Factory { return factory }),
	}}
}

// writePluginDir はディレクトリにダミーの共有オブジェクトを並べ、
// パスごとのイメージとロード回数を返すオープナーを組み立てる。
func writePluginDir(t *testing.T, images map[string]Image) (string, OpenFunc, map[string]int) {
	t.Helper()

	dir := t.TempDir()
	opens := make(map[string]int)
	for name := range images {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stub"), 0o644); err != nil {
			t.Fatalf("failed to write plugin stub: %v", err)
		}
	}
	open := func(path string) (Image, error) {
		opens[path]++
		img, ok := images[filepath.Base(path)]
		if !ok {
			return nil, &domain.LoadError{Path: path, Detail: "cannot open shared object"}
		}
		return img, nil
	}
	return dir, open, opens
}

func TestFactoryLoader_ScanFindsMatchAndCachesPath(t *testing.T) {
	schemeW := domain.UUID{0xAA}

	images := map[string]Image{
		"broken.so":   &fakeImage{},                              // ファクトリシンボル無し
		"other.so":    factoryImage(&stubFactory{domain.UUID{1}}), // 別スキーム
		"widevine.so": factoryImage(&stubFactory{schemeW}),
	}
	dir, open, opens := writePluginDir(t, images)
	reg := NewRegistry()
	loader := NewFactoryLoader(reg, dir, WithOpener(open))

	lib, factory, err := loader.LoadFactory(schemeW)
	if err != nil {
		t.Fatalf("LoadFactory failed: %v", err)
	}
	if factory == nil || !factory.SupportsScheme(schemeW) {
		t.Fatal("want factory accepting the scheme")
	}

	path, ok := reg.FindPath(schemeW)
	if !ok {
		t.Fatal("want scheme path cached after scan")
	}
	if filepath.Base(path) != "widevine.so" {
		t.Errorf("want widevine.so cached, got %s", path)
	}

	// キャッシュヒット時はディレクトリを再走査せず、生存イメージを再利用する
	lib2, _, err := loader.LoadFactory(schemeW)
	if err != nil {
		t.Fatalf("cached LoadFactory failed: %v", err)
	}
	if opens[filepath.Join(dir, "widevine.so")] != 1 {
		t.Errorf("want a single platform load while the first owner lives, got %d", opens[filepath.Join(dir, "widevine.so")])
	}
	if lib2 != lib {
		t.Error("want the cached live image to be shared")
	}
}

func TestFactoryLoader_NoMatch_Unsupported(t *testing.T) {
	dir, open, _ := writePluginDir(t, map[string]Image{
		"other.so": factoryImage(&stubFactory{domain.UUID{1}}),
	})
	loader := NewFactoryLoader(NewRegistry(), dir, WithOpener(open))

	_, _, err := loader.LoadFactory(domain.UUID{2})
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("want ErrUnsupported, got %v", err)
	}
}

func TestFactoryLoader_UnreadableDir_Unsupported(t *testing.T) {
	loader := NewFactoryLoader(NewRegistry(), "/nonexistent/plugins", WithOpener(func(string) (Image, error) {
		t.Fatal("opener must not be called for an unreadable directory")
		return nil, nil
	}))

	_, _, err := loader.LoadFactory(domain.UUID{3})
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("want ErrUnsupported, got %v", err)
	}
}

func TestFactoryLoader_IgnoresNonSharedObjects(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not a plugin"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	loader := NewFactoryLoader(NewRegistry(), dir, WithOpener(func(string) (Image, error) {
		t.Fatal("opener must not be called for non shared-object files")
		return nil, nil
	}))

	if _, _, err := loader.LoadFactory(domain.UUID{4}); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("want ErrUnsupported, got %v", err)
	}
}

func TestFactoryLoader_Builtin_ServesScheme(t *testing.T) {
	scheme := domain.UUID{5}
	reg := NewRegistry()
	loader := NewFactoryLoader(reg, t.TempDir(),
		WithBuiltin("builtin://stub", factoryImage(&stubFactory{scheme})),
	)

	_, factory, err := loader.LoadFactory(scheme)
	if err != nil {
		t.Fatalf("LoadFactory failed: %v", err)
	}
	if !factory.SupportsScheme(scheme) {
		t.Error("want builtin factory accepting the scheme")
	}
	if path, ok := reg.FindPath(scheme); !ok || path != "builtin://stub" {
		t.Errorf("want builtin path cached, got %q", path)
	}
}

func TestFactoryLoader_CachedPathFailure_Unsupported(t *testing.T) {
	// キャッシュ済みパスは信頼され、そこからの生成失敗は走査へ戻らない
	scheme := domain.UUID{6}
	reg := NewRegistry()
	reg.RememberPath(scheme, "/plugins/gone.so")

	dir, open, opens := writePluginDir(t, map[string]Image{
		"alive.so": factoryImage(&stubFactory{scheme}),
	})
	loader := NewFactoryLoader(reg, dir, WithOpener(func(path string) (Image, error) {
		if filepath.Base(path) == "gone.so" {
			return nil, &domain.LoadError{Path: path, Detail: "no such file"}
		}
		return open(path)
	}))

	if _, _, err := loader.LoadFactory(scheme); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("want ErrUnsupported, got %v", err)
	}
	if opens[filepath.Join(dir, "alive.so")] != 0 {
		t.Error("want no directory rescan when the cached path fails")
	}
}

func TestFactoryLoader_ImageReloadedAfterLastOwnerDrops(t *testing.T) {
	scheme := domain.UUID{7}
	images := map[string]Image{"solo.so": factoryImage(&stubFactory{scheme})}
	dir, open, opens := writePluginDir(t, images)
	reg := NewRegistry()
	loader := NewFactoryLoader(reg, dir, WithOpener(open))

	lib, _, err := loader.LoadFactory(scheme)
	if err != nil {
		t.Fatalf("LoadFactory failed: %v", err)
	}
	if err := lib.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// 最後の所有者が消えた後はUUIDキャッシュ経由で再ロードされる
	if _, _, err := loader.LoadFactory(scheme); err != nil {
		t.Fatalf("LoadFactory after drop failed: %v", err)
	}
	if got := opens[filepath.Join(dir, "solo.so")]; got != 2 {
		t.Errorf("want 2 loads across owner generations, got %d", got)
	}
}
