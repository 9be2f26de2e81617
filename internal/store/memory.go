package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/google/uuid"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a non-durable Store used by tests and local development.
type InMemoryStore struct {
	mu       sync.Mutex
	flows    map[string]models.Flow
	sessions map[string]models.Session
	events   map[string]memEvent
	entries  map[string]models.DeferredEntry
	budgets  map[string]*models.BudgetWindow // keyed by account
}

type memEvent struct {
	userID      string
	receivedAt  time.Time
	processedAt *time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.Flow),
		sessions: make(map[string]models.Session),
		events:   make(map[string]memEvent),
		entries:  make(map[string]models.DeferredEntry),
		budgets:  make(map[string]*models.BudgetWindow),
	}
}

func (s *InMemoryStore) SaveFlow(flow models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = flow
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &flow, nil
}

func (s *InMemoryStore) ListActiveFlows(accountID string) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.AccountID == accountID && f.Active {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].CreatedAt.After(flows[j].CreatedAt) })
	return flows, nil
}

func (s *InMemoryStore) GetSession(accountID, userID, flowID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Session
	for id := range s.sessions {
		sess := s.sessions[id]
		if sess.AccountID == accountID && sess.UserID == userID && sess.FlowID == flowID {
			if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
				copied := sess
				latest = &copied
			}
		}
	}
	return latest, nil
}

func (s *InMemoryStore) GetSessionByID(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *InMemoryStore) FindWaitingSession(accountID, userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Session
	for id := range s.sessions {
		sess := s.sessions[id]
		if sess.AccountID != accountID || sess.UserID != userID {
			continue
		}
		if sess.Status != models.SessionActive && sess.Status != models.SessionWaiting {
			continue
		}
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt) {
			copied := sess
			latest = &copied
		}
	}
	return latest, nil
}

func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) HasPriorSession(accountID, userID, excludeID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		sess := s.sessions[id]
		if sess.ID == excludeID || sess.AccountID != accountID || sess.UserID != userID {
			continue
		}
		if since.IsZero() || !sess.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) RecordEvent(eventID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[eventID]; exists {
		return false, nil
	}
	s.events[eventID] = memEvent{userID: userID, receivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkEventProcessed(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil
	}
	now := time.Now()
	ev.processedAt = &now
	s.events[eventID] = ev
	return nil
}

func (s *InMemoryStore) EnqueueDeferred(entry models.DeferredEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.DeferredPending
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	entry.UpdatedAt = time.Now()
	s.entries[entry.ID] = entry
	return entry.ID, nil
}

func (s *InMemoryStore) ClaimDeferredBatch(accountID string, limit int, now time.Time) ([]models.DeferredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var eligible []models.DeferredEntry
	for id := range s.entries {
		e := s.entries[id]
		if e.AccountID != accountID || e.Status != models.DeferredPending {
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			continue
		}
		eligible = append(eligible, e)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].EnqueuedAt.Before(eligible[j].EnqueuedAt) })
	if limit >= 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	for i := range eligible {
		eligible[i].Status = models.DeferredInflight
		claimed := now
		eligible[i].ClaimedAt = &claimed
		eligible[i].UpdatedAt = now
		s.entries[eligible[i].ID] = eligible[i]
	}
	return eligible, nil
}

func (s *InMemoryStore) MarkDeferredDone(id string) error {
	return s.updateEntry(id, func(e *models.DeferredEntry) {
		e.Status = models.DeferredDone
	})
}

func (s *InMemoryStore) MarkDeferredRetry(id, errMsg string, nextAttemptAt time.Time) error {
	return s.updateEntry(id, func(e *models.DeferredEntry) {
		e.Status = models.DeferredPending
		e.Attempts++
		e.LastError = errMsg
		e.NextAttemptAt = &nextAttemptAt
		e.ClaimedAt = nil
	})
}

func (s *InMemoryStore) MarkDeferredDead(id, errMsg string) error {
	return s.updateEntry(id, func(e *models.DeferredEntry) {
		e.Status = models.DeferredDead
		e.LastError = errMsg
	})
}

func (s *InMemoryStore) updateEntry(id string, mutate func(*models.DeferredEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return models.ErrEntryNotFound
	}
	mutate(&e)
	e.UpdatedAt = time.Now()
	s.entries[id] = e
	return nil
}

func (s *InMemoryStore) PendingAccounts(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool)
	for id := range s.entries {
		e := s.entries[id]
		if e.Status != models.DeferredPending {
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			continue
		}
		set[e.AccountID] = true
	}
	accounts := make([]string, 0, len(set))
	for id := range set {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (s *InMemoryStore) GetDeferred(id string) (*models.DeferredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) ReserveBudget(accountID string, ceiling int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := WindowStart(now)
	w := s.budgets[accountID]
	if w == nil || !w.WindowStart.Equal(start) {
		w = &models.BudgetWindow{AccountID: accountID, WindowStart: start}
		s.budgets[accountID] = w
	}
	if w.Count >= ceiling {
		return false, nil
	}
	w.Count++
	return true, nil
}

func (s *InMemoryStore) ReleaseBudget(accountID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.budgets[accountID]
	if w != nil && w.WindowStart.Equal(WindowStart(now)) && w.Count > 0 {
		w.Count--
	}
	return nil
}

func (s *InMemoryStore) BudgetUsed(accountID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.budgets[accountID]
	if w == nil || !w.WindowStart.Equal(WindowStart(now)) {
		return 0, nil
	}
	return w.Count, nil
}

func (s *InMemoryStore) Close() error { return nil }
