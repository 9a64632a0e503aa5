package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"relaychat-backend/internal/domain"
)

// CallLog keeps finished call sessions in memory
type CallLog struct {
	mu    sync.RWMutex
	calls map[uuid.UUID]*domain.CallSession
}

// NewCallLog creates an empty call log
func NewCallLog() *CallLog {
	return &CallLog{calls: make(map[uuid.UUID]*domain.CallSession)}
}

// SaveCall stores a finished session, replacing any earlier copy
func (l *CallLog) SaveCall(ctx context.Context, call *domain.CallSession) error {
	l.mu.Lock()
	l.calls[call.CallID] = call.Clone()
	l.mu.Unlock()
	return nil
}

// GetUserCalls returns calls a user placed or received, newest first
func (l *CallLog) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	l.mu.RLock()
	var all []*domain.CallSession
	for _, c := range l.calls {
		if c.Involves(userID) {
			all = append(all, c.Clone())
		}
	}
	l.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if offset >= len(all) {
		return []*domain.CallSession{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
