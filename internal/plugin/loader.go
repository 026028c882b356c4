package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"drm-host-service/internal/domain"
)

// DefaultPluginDir はベンダープラグインの既定の配置ディレクトリ。
const DefaultPluginDir = "/vendor/lib/mediadrm"

// sharedObjectExt はプラグインとして扱う共有オブジェクトの拡張子。
const sharedObjectExt = ".so"

// FactoryLoader はスキームUUIDから利用可能なファクトリを解決する。
// レジストリのキャッシュを優先し、無ければプラグインディレクトリを走査する。
type FactoryLoader struct {
	registry *Registry
	dir      string
	open     OpenFunc
	builtins map[string]Image
}

// LoaderOption はFactoryLoaderの生成オプション。
type LoaderOption func(*FactoryLoader)

// WithOpener はイメージのローダー関数を差し替える。
func WithOpener(open OpenFunc) LoaderOption {
	return func(f *FactoryLoader) {
		f.open = open
	}
}

// WithBuiltin は組み込みプラグインイメージを仮想パスに対応付ける。
// 組み込みイメージはディレクトリ走査の後、同じレジストリ経路で試行される。
func WithBuiltin(path string, img Image) LoaderOption {
	return func(f *FactoryLoader) {
		f.builtins[path] = img
	}
}

// NewFactoryLoader は新しいFactoryLoaderを生成する。dirが空なら既定値を使う。
func NewFactoryLoader(registry *Registry, dir string, opts ...LoaderOption) *FactoryLoader {
	if dir == "" {
		dir = DefaultPluginDir
	}
	f := &FactoryLoader{
		registry: registry,
		dir:      dir,
		open:     OpenSharedObject,
		builtins: make(map[string]Image),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// LoadFactory はスキームUUIDに対応するイメージとファクトリを返す。
// キャッシュ済みパスはプロセス生存中に陳腐化しない前提で信頼し、
// そこからの生成に失敗した場合は走査へ戻らずErrUnsupportedを返す。
func (f *FactoryLoader) LoadFactory(uuid domain.UUID) (*Library, Factory, error) {
	if path, ok := f.registry.FindPath(uuid); ok {
		lib, factory, err := f.tryPath(path, uuid)
		if err != nil {
			slog.Error("cached plugin path no longer yields a factory",
				"scheme", uuid.String(),
				"path", path,
				"error", err,
			)
			return nil, nil, fmt.Errorf("%w: cached plugin for scheme %s failed to load", domain.ErrUnsupported, uuid)
		}
		return lib, factory, nil
	}

	// ディレクトリ走査。最初に一致したプラグインで確定する。
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		slog.Warn("failed to read plugin directory", "dir", f.dir, "error", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sharedObjectExt) {
			continue
		}
		path := filepath.Join(f.dir, entry.Name())
		lib, factory, err := f.tryPath(path, uuid)
		if err != nil {
			slog.Debug("plugin image does not serve scheme", "path", path, "error", err)
			continue
		}
		f.registry.RememberPath(uuid, path)
		return lib, factory, nil
	}

	// 組み込みイメージを試行する
	for _, path := range f.builtinPaths() {
		lib, factory, err := f.tryPath(path, uuid)
		if err != nil {
			continue
		}
		f.registry.RememberPath(uuid, path)
		return lib, factory, nil
	}

	return nil, nil, fmt.Errorf("%w: no drm plugin for scheme %s", domain.ErrUnsupported, uuid)
}

// tryPath はパスのイメージを取得し、スキームを受理するファクトリの生成を試みる。
// ファクトリがスキームを拒否した場合は参照を解放して失敗を返す。
func (f *FactoryLoader) tryPath(path string, uuid domain.UUID) (*Library, Factory, error) {
	open := f.open
	if img, ok := f.builtins[path]; ok {
		open = func(string) (Image, error) { return img, nil }
	}

	lib, err := f.registry.AcquireImage(path, open)
	if err != nil {
		return nil, nil, err
	}

	sym, ok := lib.Lookup(FactorySymbol)
	if !ok {
		_ = lib.Close()
		return nil, nil, &domain.LoadError{Path: path, Detail: "symbol " + FactorySymbol + " not found: " + lib.LastError()}
	}
	createFactory, ok := sym.(CreateFactoryFunc)
	if !ok {
		_ = lib.Close()
		return nil, nil, &domain.LoadError{Path: path, Detail: fmt.Sprintf("symbol %s has unexpected type %T", FactorySymbol, sym)}
	}

	factory := createFactory()
	if factory == nil {
		_ = lib.Close()
		return nil, nil, &domain.LoadError{Path: path, Detail: "factory constructor returned nil"}
	}
	if !factory.SupportsScheme(uuid) {
		_ = lib.Close()
		return nil, nil, fmt.Errorf("factory at %s rejects scheme %s", path, uuid)
	}
	return lib, factory, nil
}

func (f *FactoryLoader) builtinPaths() []string {
	paths := make([]string, 0, len(f.builtins))
	for path := range f.builtins {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
