package usecase

import (
	"bytes"
	"encoding/binary"
	"testing"

	"drm-host-service/internal/domain"
)

func le32(v int32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func le64(v int64) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func TestSendEvent_PayloadFraming(t *testing.T) {
	inst, _, _ := newTestInstance(t, 4)
	listener := &fakeChannel{}
	inst.SetListener(listener)

	sid := []byte{0x01, 0x02, 0x03}
	data := []byte{0xAA, 0xBB}
	inst.SendEvent(domain.EventKeyNeeded, 7, sid, data)

	events := listener.recorded()
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.eventType != domain.EventKeyNeeded || ev.extra != 7 {
		t.Errorf("want (KeyNeeded, 7) out of band, got (%d, %d)", ev.eventType, ev.extra)
	}

	var want bytes.Buffer
	want.Write(le32(3))
	want.Write(sid)
	want.Write(le32(2))
	want.Write(data)
	if !bytes.Equal(ev.payload, want.Bytes()) {
		t.Errorf("payload mismatch\nwant %x\ngot  %x", want.Bytes(), ev.payload)
	}
}

func TestSendEvent_EmptyFieldsEncodeAsZeroLength(t *testing.T) {
	inst, _, _ := newTestInstance(t, 4)
	listener := &fakeChannel{}
	inst.SetListener(listener)

	inst.SendEvent(domain.EventProvisionRequired, 0, nil, nil)

	events := listener.recorded()
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	var want bytes.Buffer
	want.Write(le32(0))
	want.Write(le32(0))
	if !bytes.Equal(events[0].payload, want.Bytes()) {
		t.Errorf("want two zero-length arrays, got %x", events[0].payload)
	}
}

func TestSendExpirationUpdate_PayloadFraming(t *testing.T) {
	inst, _, _ := newTestInstance(t, 4)
	listener := &fakeChannel{}
	inst.SetListener(listener)

	sid := []byte{0x10, 0x20}
	inst.SendExpirationUpdate(sid, 1234567890123)

	events := listener.recorded()
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	if events[0].eventType != domain.EventExpirationUpdate {
		t.Errorf("want ExpirationUpdate, got %d", events[0].eventType)
	}

	var want bytes.Buffer
	want.Write(le32(2))
	want.Write(sid)
	want.Write(le64(1234567890123))
	if !bytes.Equal(events[0].payload, want.Bytes()) {
		t.Errorf("payload mismatch\nwant %x\ngot  %x", want.Bytes(), events[0].payload)
	}
}

func TestSendKeysChange_PayloadFraming(t *testing.T) {
	inst, _, _ := newTestInstance(t, 4)
	listener := &fakeChannel{}
	inst.SetListener(listener)

	sid := []byte{0x01}
	statuses := []domain.KeyStatus{
		{KeyID: []byte{0xA1, 0xA2}, Status: domain.KeyStatusUsable},
		{KeyID: []byte{0xB1}, Status: domain.KeyStatusExpired},
	}
	inst.SendKeysChange(sid, statuses, true)

	events := listener.recorded()
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	if events[0].eventType != domain.EventKeysChange {
		t.Errorf("want KeysChange, got %d", events[0].eventType)
	}

	var want bytes.Buffer
	want.Write(le32(1))
	want.Write(sid)
	want.Write(le32(2))
	want.Write(le32(2))
	want.Write([]byte{0xA1, 0xA2})
	want.Write(le32(int32(domain.KeyStatusUsable)))
	want.Write(le32(1))
	want.Write([]byte{0xB1})
	want.Write(le32(int32(domain.KeyStatusExpired)))
	want.Write(le32(1))
	if !bytes.Equal(events[0].payload, want.Bytes()) {
		t.Errorf("payload mismatch\nwant %x\ngot  %x", want.Bytes(), events[0].payload)
	}
}

func TestSendEvent_NoListenerIsSilent(t *testing.T) {
	inst, _, _ := newTestInstance(t, 4)
	// リスナー未設定でもpanicしない
	inst.SendEvent(domain.EventKeyNeeded, 0, []byte{1}, nil)
	inst.SendExpirationUpdate([]byte{1}, 0)
	inst.SendKeysChange([]byte{1}, nil, false)
}
