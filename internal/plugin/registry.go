package plugin

import (
	"io"
	"sync"

	"drm-host-service/internal/domain"
)

// Registry はプロセス全体で共有される2つのキャッシュを保持する。
// スキームUUID→ライブラリパスの解決メモと、パス→生存イメージの重複排除表。
// どちらの変更もレジストリ全体のミューテックスで直列化される。
type Registry struct {
	mu          sync.Mutex
	schemePaths map[domain.UUID]string
	liveImages  map[string]*Library
}

// NewRegistry は空のレジストリを生成する。
func NewRegistry() *Registry {
	return &Registry{
		schemePaths: make(map[domain.UUID]string),
		liveImages:  make(map[string]*Library),
	}
}

// FindPath はスキームUUIDに対応するキャッシュ済みパスを返す。
func (r *Registry) FindPath(uuid domain.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.schemePaths[uuid]
	return path, ok
}

// RememberPath はスキームUUID→パスの対応を記録する。冪等であり、
// 一度記録されたエントリはプロセス生存中は無効化されない。
func (r *Registry) RememberPath(uuid domain.UUID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemePaths[uuid]; ok {
		return
	}
	r.schemePaths[uuid] = path
}

// AcquireImage はパスに対する生存イメージへの強参照を取得する。
// キャッシュに生存イメージが無ければ open でマップし、スロットに登録する。
// ミューテックス下で実行されるため、同一パスへの並行取得が
// イメージを二重生成することはない。
func (r *Registry) AcquireImage(path string, open OpenFunc) (*Library, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lib, ok := r.liveImages[path]; ok && !lib.closed {
		lib.refs++
		return lib, nil
	}

	img, err := open(path)
	if err != nil {
		return nil, err
	}

	lib := &Library{path: path, img: img, reg: r, refs: 1}
	r.liveImages[path] = lib
	return lib, nil
}

// release は所有参照を1つ解放し、最後の参照でスロットを破棄する。
func (r *Registry) release(l *Library) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.closed {
		return nil
	}
	l.refs--
	if l.refs > 0 {
		return nil
	}

	l.closed = true
	if cur, ok := r.liveImages[l.path]; ok && cur == l {
		delete(r.liveImages, l.path)
	}
	if c, ok := l.img.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
