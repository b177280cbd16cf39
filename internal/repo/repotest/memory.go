// Package repotest provides an in-memory repo.Store for tests.
package repotest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
	"github.com/LeventeLantos/outbound-dispatch/internal/repo"
)

// Memory mirrors the Postgres semantics closely enough for the pipeline
// tests: atomic claims, cumulative metrics and one child per parent.
type Memory struct {
	mu sync.Mutex

	nextID     int64
	queue      map[int64]model.QueuedMessage
	campaigns  map[int64]model.Campaign
	scheduled  map[int64]model.ScheduledMessage
	logs       []model.ExecutionLog
	appendErrs []error

	// Err, when set, is returned by every call.
	Err error
	// Now stamps CreatedAt/UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

var _ repo.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		queue:     map[int64]model.QueuedMessage{},
		campaigns: map[int64]model.Campaign{},
		scheduled: map[int64]model.ScheduledMessage{},
		Now:       time.Now,
	}
}

func (s *Memory) id() int64 {
	s.nextID++
	return s.nextID
}

// FailNextLogAppend makes the next AppendExecutionLog call return err.
func (s *Memory) FailNextLogAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErrs = append(s.appendErrs, err)
}

func (s *Memory) Logs() []model.ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.logs)
}

func (s *Memory) QueuedMessage(id int64) (model.QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.queue[id]
	return m, ok
}

func (s *Memory) AllScheduled() []model.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduledMessage, 0, len(s.scheduled))
	for _, m := range s.scheduled {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b model.ScheduledMessage) int { return int(a.ID - b.ID) })
	return out
}

// PutCampaign stores c as is, keeping its ID when set.
func (s *Memory) PutCampaign(c model.Campaign) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	} else if c.ID > s.nextID {
		s.nextID = c.ID
	}
	s.campaigns[c.ID] = c
	return c.ID
}

// PutScheduled stores m as is, keeping its ID when set.
func (s *Memory) PutScheduled(m model.ScheduledMessage) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.id()
	} else if m.ID > s.nextID {
		s.nextID = m.ID
	}
	s.scheduled[m.ID] = m
	return m.ID
}

// Queue

func (s *Memory) Insert(_ context.Context, m model.QueuedMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	now := s.Now()
	m.ID = s.id()
	m.Status = model.Pending
	m.CreatedAt, m.UpdatedAt = now, now
	s.queue[m.ID] = m
	return m.ID, nil
}

func (s *Memory) ClaimReady(_ context.Context, now time.Time, limit int) ([]model.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var ready []model.QueuedMessage
	for _, m := range s.queue {
		if m.Status == model.Pending && !m.ScheduledAt.After(now) {
			ready = append(ready, m)
		}
	}
	slices.SortStableFunc(ready, func(a, b model.QueuedMessage) int {
		if a.Priority != b.Priority {
			return int(b.Priority) - int(a.Priority)
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	for i := range ready {
		ready[i].Status = model.Processing
		ready[i].UpdatedAt = s.Now()
		s.queue[ready[i].ID] = ready[i]
	}
	return ready, nil
}

func (s *Memory) MarkCompleted(_ context.Context, id int64, remoteMessageID string, sentAt time.Time) error {
	return s.updateQueued(id, func(m *model.QueuedMessage) {
		m.Status = model.Completed
		m.RemoteMessageID = &remoteMessageID
		m.SentAt = &sentAt
		m.LastError = nil
	})
}

func (s *Memory) Reschedule(_ context.Context, id int64, retryCount int, at time.Time, reason string) error {
	return s.updateQueued(id, func(m *model.QueuedMessage) {
		if m.Status != model.Processing {
			return
		}
		m.Status = model.Pending
		m.RetryCount = retryCount
		m.ScheduledAt = at
		m.LastError = &reason
	})
}

func (s *Memory) MarkFailed(_ context.Context, id int64, reason string) error {
	return s.updateQueued(id, func(m *model.QueuedMessage) {
		m.Status = model.Failed
		m.LastError = &reason
	})
}

func (s *Memory) Cancel(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	m, ok := s.queue[id]
	if !ok || m.Status != model.Pending {
		return false, nil
	}
	m.Status = model.Cancelled
	m.UpdatedAt = s.Now()
	s.queue[id] = m
	return true, nil
}

func (s *Memory) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for id, m := range s.queue {
		if (m.Status == model.Completed || m.Status == model.Failed) && m.UpdatedAt.Before(before) {
			delete(s.queue, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) RequeueStale(_ context.Context, before time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for id, m := range s.queue {
		if m.Status != model.Processing || !m.UpdatedAt.Before(before) {
			continue
		}
		if m.CanRetry() {
			m.Status = model.Pending
			m.RetryCount++
		} else {
			m.Status = model.Failed
		}
		m.LastError = &reason
		m.UpdatedAt = s.Now()
		s.queue[id] = m
		n++
	}
	return n, nil
}

func (s *Memory) ListCompleted(_ context.Context, limit, offset int) ([]model.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []model.QueuedMessage
	for _, m := range s.queue {
		if m.Status == model.Completed {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.QueuedMessage) int { return b.SentAt.Compare(*a.SentAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) updateQueued(id int64, fn func(*model.QueuedMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	m, ok := s.queue[id]
	if !ok {
		return repo.ErrNotFound
	}
	fn(&m)
	m.UpdatedAt = s.Now()
	s.queue[id] = m
	return nil
}

// Campaigns

func (s *Memory) CreateCampaign(_ context.Context, c model.Campaign) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.ID = 0
	c.CreatedAt, c.UpdatedAt = s.Now(), s.Now()
	return s.PutCampaign(c), nil
}

func (s *Memory) GetCampaign(_ context.Context, id int64) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.Campaign{}, s.Err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return model.Campaign{}, repo.ErrNotFound
	}
	c.Audience = slices.Clone(c.Audience)
	return c, nil
}

func (s *Memory) DueCampaigns(_ context.Context, now time.Time) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []model.Campaign
	for _, c := range s.campaigns {
		if c.Status == model.CampaignScheduled && c.InWindow(now) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b model.Campaign) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *Memory) ClaimCampaign(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	c, ok := s.campaigns[id]
	if !ok || c.Status != model.CampaignScheduled {
		return false, nil
	}
	c.Status = model.CampaignActive
	s.campaigns[id] = c
	return true, nil
}

func (s *Memory) FinishCampaign(_ context.Context, id int64, status model.CampaignStatus, sent, failed int) error {
	return s.updateCampaign(id, func(c *model.Campaign) {
		c.Status = status
		c.Metrics.Sent += sent
		c.Metrics.Failed += failed
	})
}

func (s *Memory) AddCampaignReceipts(_ context.Context, id int64, delivered, opened, clicked int) error {
	return s.updateCampaign(id, func(c *model.Campaign) {
		c.Metrics.Delivered += delivered
		c.Metrics.Opened += opened
		c.Metrics.Clicked += clicked
	})
}

func (s *Memory) updateCampaign(id int64, fn func(*model.Campaign)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return repo.ErrNotFound
	}
	fn(&c)
	c.UpdatedAt = s.Now()
	s.campaigns[id] = c
	return nil
}

// Scheduled messages

func (s *Memory) CreateScheduled(_ context.Context, m model.ScheduledMessage) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	if m.Status == "" {
		m.Status = model.ScheduledPending
	}
	if m.RepeatType == "" {
		m.RepeatType = model.RepeatNone
	}
	m.ID = 0
	m.CreatedAt, m.UpdatedAt = s.Now(), s.Now()
	return s.PutScheduled(m), nil
}

func (s *Memory) GetScheduled(_ context.Context, id int64) (model.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return model.ScheduledMessage{}, s.Err
	}
	m, ok := s.scheduled[id]
	if !ok {
		return model.ScheduledMessage{}, repo.ErrNotFound
	}
	return m, nil
}

func claimable(m model.ScheduledMessage, staleBefore time.Time) bool {
	return m.Status == model.ScheduledPending && (m.ClaimedAt == nil || m.ClaimedAt.Before(staleBefore))
}

func (s *Memory) DueScheduled(_ context.Context, now, staleBefore time.Time) ([]model.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []model.ScheduledMessage
	for _, m := range s.scheduled {
		if claimable(m, staleBefore) && !m.SendAt.After(now) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.ScheduledMessage) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *Memory) ClaimScheduled(_ context.Context, id int64, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	m, ok := s.scheduled[id]
	if !ok || !claimable(m, staleBefore) {
		return false, nil
	}
	m.ClaimedAt = &at
	s.scheduled[id] = m
	return true, nil
}

func (s *Memory) RefreshClaim(_ context.Context, id int64, held, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	m, ok := s.scheduled[id]
	if !ok || m.Status != model.ScheduledPending || m.ClaimedAt == nil || !m.ClaimedAt.Equal(held) {
		return false, nil
	}
	m.ClaimedAt = &at
	s.scheduled[id] = m
	return true, nil
}

func (s *Memory) FinishScheduled(_ context.Context, id int64, status model.ScheduledStatus, sentAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	m, ok := s.scheduled[id]
	if !ok {
		return repo.ErrNotFound
	}
	m.Status = status
	m.SentAt = sentAt
	m.UpdatedAt = s.Now()
	s.scheduled[id] = m
	return nil
}

func (s *Memory) RecurrenceCandidates(_ context.Context) ([]model.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	hasChild := map[int64]bool{}
	for _, m := range s.scheduled {
		if m.ParentID != nil {
			hasChild[*m.ParentID] = true
		}
	}
	var out []model.ScheduledMessage
	for _, m := range s.scheduled {
		if m.Status == model.ScheduledSent && m.RepeatType != model.RepeatNone && !hasChild[m.ID] {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.ScheduledMessage) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *Memory) InsertOccurrence(_ context.Context, m model.ScheduledMessage) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, false, s.Err
	}
	for _, existing := range s.scheduled {
		if existing.ParentID != nil && m.ParentID != nil && *existing.ParentID == *m.ParentID {
			return 0, false, nil
		}
	}
	m.ID = s.id()
	m.CreatedAt, m.UpdatedAt = s.Now(), s.Now()
	s.scheduled[m.ID] = m
	return m.ID, true, nil
}

// Logs

func (s *Memory) AppendExecutionLog(_ context.Context, l model.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.appendErrs) > 0 {
		err := s.appendErrs[0]
		s.appendErrs = s.appendErrs[1:]
		return err
	}
	if s.Err != nil {
		return s.Err
	}
	l.ID = int64(len(s.logs) + 1)
	s.logs = append(s.logs, l)
	return nil
}
