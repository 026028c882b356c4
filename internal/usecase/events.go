package usecase

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"drm-host-service/internal/domain"
)

// イベントペイロードはリトルエンディアンの32bit長で枠付けしたバイト列。
// 空または不在のフィールドは長さ0として符号化する。

func writeByteArray(buf *bytes.Buffer, b []byte) {
	_ = binary.Write(buf, binary.LittleEndian, int32(len(b)))
	buf.Write(b)
}

func writeInt32(buf *bytes.Buffer, v int32) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func writeInt64(buf *bytes.Buffer, v int64) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

// snapshotListener はeventMu下でリスナー参照を写し取る。
// eventMuをリスナー呼び出しをまたいで保持しないため、ブロックする
// リスナーがリスナー差し替えを止めることはない。
func (d *DrmInstance) snapshotListener() ClientListener {
	d.eventMu.Lock()
	defer d.eventMu.Unlock()
	return d.listener
}

// notify はnotifyMu下でリスナーへ通知する。同一リスナーへの通知は
// notifyMuの獲得順で全順序化される。通知の失敗は元のプラグイン呼び出しに
// 影響しない。
func (d *DrmInstance) notify(listener ClientListener, eventType domain.EventType, extra int32, payload []byte) {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	if err := listener.Notify(eventType, extra, payload); err != nil {
		slog.Warn("listener notify failed", "event", int32(eventType), "error", err)
	}
	if d.metrics != nil {
		d.metrics.NotifyTotal.WithLabelValues(eventName(eventType)).Inc()
	}
}

// SendEvent は汎用イベントをリスナーへ転送する。種別と付加値は
// リスナー呼び出しの帯域外で運ばれる。
func (d *DrmInstance) SendEvent(eventType domain.EventType, extra int32, sessionID, data []byte) {
	listener := d.snapshotListener()
	if listener == nil {
		return
	}

	var buf bytes.Buffer
	writeByteArray(&buf, sessionID)
	writeByteArray(&buf, data)
	d.notify(listener, eventType, extra, buf.Bytes())
}

// SendExpirationUpdate は鍵有効期限の更新をリスナーへ転送する。
func (d *DrmInstance) SendExpirationUpdate(sessionID []byte, expiryTimeMS int64) {
	listener := d.snapshotListener()
	if listener == nil {
		return
	}

	var buf bytes.Buffer
	writeByteArray(&buf, sessionID)
	writeInt64(&buf, expiryTimeMS)
	d.notify(listener, domain.EventExpirationUpdate, 0, buf.Bytes())
}

// SendKeysChange は鍵状態の変化をリスナーへ転送する。
func (d *DrmInstance) SendKeysChange(sessionID []byte, statuses []domain.KeyStatus, hasNewUsableKey bool) {
	listener := d.snapshotListener()
	if listener == nil {
		return
	}

	var buf bytes.Buffer
	writeByteArray(&buf, sessionID)
	writeInt32(&buf, int32(len(statuses)))
	for _, st := range statuses {
		writeByteArray(&buf, st.KeyID)
		writeInt32(&buf, int32(st.Status))
	}
	var usable int32
	if hasNewUsableKey {
		usable = 1
	}
	writeInt32(&buf, usable)
	d.notify(listener, domain.EventKeysChange, 0, buf.Bytes())
}

func eventName(eventType domain.EventType) string {
	switch eventType {
	case domain.EventProvisionRequired:
		return "provision_required"
	case domain.EventKeyNeeded:
		return "key_needed"
	case domain.EventKeyExpired:
		return "key_expired"
	case domain.EventVendorDefined:
		return "vendor_defined"
	case domain.EventSessionReclaimed:
		return "session_reclaimed"
	case domain.EventExpirationUpdate:
		return "expiration_update"
	case domain.EventKeysChange:
		return "keys_change"
	default:
		return "unknown"
	}
}
