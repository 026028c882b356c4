package plugin

import (
	"sync"
	"sync/atomic"
	"testing"

	"drm-host-service/internal/domain"
)

// fakeImage はテスト用のイメージ。シンボル表とクローズ回数を記録する。
type fakeImage struct {
	symbols    map[string]any
	closeCount atomic.Int32
}

func (f *fakeImage) Lookup(symbol string) (any, error) {
	if sym, ok := f.symbols[symbol]; ok {
		return sym, nil
	}
	return nil, &domain.LoadError{Path: "fake", Detail: "undefined symbol: " + symbol}
}

func (f *fakeImage) Close() error {
	f.closeCount.Add(1)
	return nil
}

func openerFor(img Image, opens *atomic.Int32) OpenFunc {
	return func(path string) (Image, error) {
		opens.Add(1)
		return img, nil
	}
}

func TestRegistry_AcquireImage_DeduplicatesConcurrentLoads(t *testing.T) {
	reg := NewRegistry()
	img := &fakeImage{}
	var opens atomic.Int32
	open := openerFor(img, &opens)

	const acquirers = 16
	libs := make([]*Library, acquirers)
	var wg sync.WaitGroup
	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lib, err := reg.AcquireImage("/vendor/lib/mediadrm/widevine.so", open)
			if err != nil {
				t.Errorf("AcquireImage failed: %v", err)
				return
			}
			libs[i] = lib
		}(i)
	}
	wg.Wait()

	if got := opens.Load(); got != 1 {
		t.Errorf("want 1 image load, got %d", got)
	}
	for i := 1; i < acquirers; i++ {
		if libs[i] != libs[0] {
			t.Fatalf("acquirer %d got a different library", i)
		}
	}
}

func TestRegistry_Release_PrunesSlotAfterLastOwner(t *testing.T) {
	reg := NewRegistry()
	img := &fakeImage{}
	var opens atomic.Int32
	open := openerFor(img, &opens)

	lib1, err := reg.AcquireImage("/plugins/a.so", open)
	if err != nil {
		t.Fatalf("AcquireImage failed: %v", err)
	}
	lib2, err := reg.AcquireImage("/plugins/a.so", open)
	if err != nil {
		t.Fatalf("AcquireImage failed: %v", err)
	}

	// 片方の所有者が手放してもスロットは生きている
	if err := lib1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := reg.AcquireImage("/plugins/a.so", open); err != nil {
		t.Fatalf("AcquireImage failed: %v", err)
	}
	if got := opens.Load(); got != 1 {
		t.Errorf("want 1 image load while owners remain, got %d", got)
	}

	// 最後の所有者が手放すとスロットは破棄され、次の取得は再ロードになる
	if err := lib2.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := lib2.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if got := img.closeCount.Load(); got != 1 {
		t.Errorf("want image closed exactly once, got %d", got)
	}

	if _, err := reg.AcquireImage("/plugins/a.so", open); err != nil {
		t.Fatalf("AcquireImage after prune failed: %v", err)
	}
	if got := opens.Load(); got != 2 {
		t.Errorf("want reload after last owner dropped, got %d loads", got)
	}
}

func TestRegistry_RememberPath_Idempotent(t *testing.T) {
	reg := NewRegistry()
	uuid := domain.UUID{1}

	reg.RememberPath(uuid, "/plugins/first.so")
	reg.RememberPath(uuid, "/plugins/second.so")

	path, ok := reg.FindPath(uuid)
	if !ok {
		t.Fatal("want cached path")
	}
	if path != "/plugins/first.so" {
		t.Errorf("want first remembered path to win, got %s", path)
	}
}

func TestRegistry_FindPath_Miss(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.FindPath(domain.UUID{9}); ok {
		t.Error("want miss for unknown scheme")
	}
}

func TestLibrary_Lookup_RecordsLastError(t *testing.T) {
	reg := NewRegistry()
	img := &fakeImage{symbols: map[string]any{"Known": 1}}
	var opens atomic.Int32

	lib, err := reg.AcquireImage("/plugins/b.so", openerFor(img, &opens))
	if err != nil {
		t.Fatalf("AcquireImage failed: %v", err)
	}

	if _, ok := lib.Lookup("Known"); !ok {
		t.Error("want known symbol to resolve")
	}
	if _, ok := lib.Lookup("Missing"); ok {
		t.Error("want missing symbol to fail")
	}
	if lib.LastError() == "" {
		t.Error("want diagnostic from failed resolve")
	}
}
