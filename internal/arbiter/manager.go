// Package arbiter はプロセス全体のセッション優先度調停を実装する。
package arbiter

import (
	"log/slog"
	"sync"
	"time"

	"drm-host-service/internal/obs"
	"drm-host-service/internal/usecase"
)

// PriorityFunc は呼び出し元PIDの優先度値を返す。値が大きいほど優先度が低い。
type PriorityFunc func(pid int) int

type entry struct {
	pid       int
	client    usecase.SessionClient
	sessionID []byte
	lastUsed  time.Time
}

// Manager はセッション集合と使用履歴を保持し、リソース枯渇時の回収先を
// 決定する。usecase.Arbiterを実装する。
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	priority PriorityFunc
	clock    func() time.Time
	metrics  *obs.Metrics
}

// NewManager は新しいManagerを生成する。priorityがnilの場合は全PIDを
// 同一優先度として扱う。metricsはnil可。
func NewManager(priority PriorityFunc, metrics *obs.Metrics) *Manager {
	if priority == nil {
		priority = func(int) int { return 0 }
	}
	return &Manager{
		sessions: make(map[string]*entry),
		priority: priority,
		clock:    time.Now,
		metrics:  metrics,
	}
}

// AddSession はセッションを登録する。
func (m *Manager) AddSession(callingPID int, client usecase.SessionClient, sessionID []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[string(sessionID)] = &entry{
		pid:       callingPID,
		client:    client,
		sessionID: append([]byte(nil), sessionID...),
		lastUsed:  m.clock(),
	}
}

// UseSession はセッションの使用時刻を更新する。未登録のIDは無視する。
func (m *Manager) UseSession(sessionID []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[string(sessionID)]; ok {
		e.lastUsed = m.clock()
	}
}

// RemoveSession はセッションの登録を解除する。二重解除は無害。
func (m *Manager) RemoveSession(sessionID []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, string(sessionID))
}

// RemoveClient は指定クライアントの全セッションを登録解除する。
func (m *Manager) RemoveClient(client usecase.SessionClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.sessions {
		if e.client == client {
			delete(m.sessions, key)
		}
	}
}

// Reclaim は呼び出し元と同等以下の優先度を持つクライアントの中から
// 最も長く使われていないセッションを選び、回収を依頼する。
// クライアントへの依頼はこのインスタンスのCloseSessionへ再入しうるため、
// 内部ロックを保持せずに行う。
func (m *Manager) Reclaim(callingPID int) bool {
	victim := m.pickVictim(callingPID)
	if victim == nil {
		if m.metrics != nil {
			m.metrics.ReclaimTotal.WithLabelValues("no_candidate").Inc()
		}
		return false
	}

	ok := victim.client.ReclaimSession(victim.sessionID)
	if !ok {
		slog.Warn("session was not reclaimable", "pid", victim.pid)
		if m.metrics != nil {
			m.metrics.ReclaimTotal.WithLabelValues("refused").Inc()
		}
		return false
	}

	// 通常は回収経路のCloseSessionがRemoveSessionを済ませているが、
	// クライアントが消滅していた場合に備えて残骸を掃除する
	m.RemoveSession(victim.sessionID)
	return true
}

// pickVictim は回収候補を選ぶ。候補は呼び出し元より優先度値が大きい
// （より重要でない）クライアントを優先し、無ければ同値から選ぶ。
func (m *Manager) pickVictim(callingPID int) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	callerPriority := m.priority(callingPID)
	var victim *entry
	victimLower := false
	for _, e := range m.sessions {
		p := m.priority(e.pid)
		if p < callerPriority {
			continue
		}
		lower := p > callerPriority
		switch {
		case victim == nil:
			victim, victimLower = e, lower
		case lower && !victimLower:
			victim, victimLower = e, lower
		case lower == victimLower && e.lastUsed.Before(victim.lastUsed):
			victim = e
		}
	}
	if victim == nil {
		return nil
	}
	// ロック解放後も安全に使えるよう写しを返す
	return &entry{
		pid:       victim.pid,
		client:    victim.client,
		sessionID: append([]byte(nil), victim.sessionID...),
		lastUsed:  victim.lastUsed,
	}
}

// SessionCount は登録中のセッション数を返す。
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HasSession は指定PIDとセッションIDの組が登録されているかを返す。
func (m *Manager) HasSession(pid int, sessionID []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[string(sessionID)]
	return ok && e.pid == pid
}
