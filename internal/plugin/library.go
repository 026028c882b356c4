package plugin

import (
	goplugin "plugin"

	"drm-host-service/internal/domain"
)

// Image はロード済みプラグインイメージのシンボル表を抽象化する。
// 実体は共有オブジェクト（stdlib plugin）または組み込みイメージ。
type Image interface {
	Lookup(symbol string) (any, error)
}

// OpenFunc はパスからイメージをマップするローダー関数の型。
type OpenFunc func(path string) (Image, error)

// soImage は共有オブジェクトをstdlib pluginでマップしたイメージ。
type soImage struct {
	p *goplugin.Plugin
}

func (s soImage) Lookup(symbol string) (any, error) {
	return s.p.Lookup(symbol)
}

// OpenSharedObject は共有オブジェクトを全シンボル即時解決でマップする。
func OpenSharedObject(path string) (Image, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, &domain.LoadError{Path: path, Detail: err.Error()}
	}
	return soImage{p: p}, nil
}

// Library はロード済みプラグインイメージを1つ所有する。
// レジストリ経由で共有され、最後の所有者がCloseした時点でスロットが破棄される。
type Library struct {
	path    string
	img     Image
	reg     *Registry
	lastErr string

	// refs と closed は reg.mu で保護される
	refs   int
	closed bool
}

// Path はイメージのパスを返す。
func (l *Library) Path() string {
	return l.path
}

// Lookup は指定シンボルのアドレスを返す。未解決はエラーではなく ok=false を返す。
func (l *Library) Lookup(symbol string) (any, bool) {
	sym, err := l.img.Lookup(symbol)
	if err != nil {
		l.lastErr = err.Error()
		return nil, false
	}
	return sym, true
}

// LastError は直近で失敗したシンボル解決の診断メッセージを返す。
func (l *Library) LastError() string {
	return l.lastErr
}

// Close は所有参照を1つ解放する。最後の参照が解放された時点で
// レジストリのスロットが破棄される。イメージのアンマップは
// Goランタイムの制約上行われない。
func (l *Library) Close() error {
	return l.reg.release(l)
}
