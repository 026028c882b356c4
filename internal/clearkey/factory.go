package clearkey

import (
	"fmt"
	"sync"

	"drm-host-service/internal/domain"
	drmplugin "drm-host-service/internal/plugin"
)

// SchemeUUID はW3C Common Encryptionで定義されたClearKeyのスキームID
// （e2719d58-a985-b3c9-781a-b030af78d30e）。
var SchemeUUID = domain.UUID{
	0xe2, 0x71, 0x9d, 0x58, 0xa9, 0x85, 0xb3, 0xc9,
	0x78, 0x1a, 0xb0, 0x30, 0xaf, 0x78, 0xd3, 0x0e,
}

// BuiltinPath は組み込みClearKeyイメージの仮想パス。
const BuiltinPath = "builtin://clearkey"

var supportedMimeTypes = map[string]bool{
	"video/mp4":  true,
	"audio/mp4":  true,
	"video/webm": true,
	"audio/webm": true,
}

// sessionBudget はこのファクトリが生成した全プラグインで共有する
// セッション容量。枯渇時のOpenSessionはResourceBusyとなる。
type sessionBudget struct {
	mu       sync.Mutex
	capacity int
	used     int
}

func (b *sessionBudget) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.capacity {
		return false
	}
	b.used++
	return true
}

func (b *sessionBudget) release(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}

// Factory はClearKeyプラグインを生成する。drmplugin.Factoryを実装する。
type Factory struct {
	store  *Store
	budget *sessionBudget
}

// NewFactory は新しいFactoryを生成する。
func NewFactory(store *Store, maxSessions int) *Factory {
	return &Factory{store: store, budget: &sessionBudget{capacity: maxSessions}}
}

// SupportsScheme はClearKeyのスキームIDのみを受理する。
func (f *Factory) SupportsScheme(uuid domain.UUID) bool {
	return uuid == SchemeUUID
}

// SupportsContentType は対応コンテナのMIMEタイプを受理する。
func (f *Factory) SupportsContentType(mimeType string) bool {
	return supportedMimeTypes[mimeType]
}

// CreatePlugin はClearKeyプラグインを生成する。
func (f *Factory) CreatePlugin(uuid domain.UUID) (drmplugin.Plugin, error) {
	if uuid != SchemeUUID {
		return nil, domain.ErrUnsupported
	}
	return newPlugin(f.store, f.budget), nil
}

// image は組み込みClearKeyのシンボル表。ファクトリ生成関数のみを公開する。
type image struct {
	create drmplugin.CreateFactoryFunc
}

func (i image) Lookup(symbol string) (any, error) {
	if symbol != drmplugin.FactorySymbol {
		return nil, fmt.Errorf("symbol %s not found in %s", symbol, BuiltinPath)
	}
	return i.create, nil
}

// NewImage は組み込みClearKeyイメージを生成する。
// FactoryLoaderのWithBuiltinでBuiltinPathに対応付けて使う。
// セッション容量はイメージから生成される全ファクトリで共有される。
func NewImage(store *Store, maxSessions int) drmplugin.Image {
	budget := &sessionBudget{capacity: maxSessions}
	return image{create: func() drmplugin.Factory {
		return &Factory{store: store, budget: budget}
	}}
}
