package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"drm-host-service/internal/domain"
)

// sseEvent はSSEで配送するイベント本体。ペイロードは§4.6の枠付けを
// 施したバイト列のbase64表現。
type sseEvent struct {
	EventType int32  `json:"event_type"`
	Extra     int32  `json:"extra"`
	Payload   string `json:"payload"`
}

// sseListener はServer-Sent Eventsで接続したクライアントチャネル。
// usecase.ClientListenerを実装する。接続断が死活通知となる。
type sseListener struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	dead    bool
	onDeath func()
}

func newSSEListener(w http.ResponseWriter, flusher http.Flusher) *sseListener {
	return &sseListener{w: w, flusher: flusher}
}

// Notify はイベントをストリームへ書き出す。
func (l *sseListener) Notify(eventType domain.EventType, extra int32, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dead {
		return fmt.Errorf("listener channel is closed")
	}
	data, err := json.Marshal(sseEvent{
		EventType: int32(eventType),
		Extra:     extra,
		Payload:   base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(l.w, "event: drm\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	l.flusher.Flush()
	return nil
}

// LinkToDeath は接続断時に呼ばれるハンドラを登録する。
func (l *sseListener) LinkToDeath(onDeath func()) (unlink func()) {
	l.mu.Lock()
	l.onDeath = onDeath
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		l.onDeath = nil
		l.mu.Unlock()
	}
}

// die は接続断を通知する。以後のNotifyは失敗する。
func (l *sseListener) die() {
	l.mu.Lock()
	l.dead = true
	onDeath := l.onDeath
	l.onDeath = nil
	l.mu.Unlock()

	if onDeath != nil {
		onDeath()
	}
}
