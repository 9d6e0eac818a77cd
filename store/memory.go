package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mailfollow/models"
)

// MemoryStore is an in-process Store with the same conditional-update
// semantics as GormStore. Transactions are serialized and roll back on error.
type MemoryStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	// BeforeUpdate, when set, runs before every conditional job or
	// enrollment update with the operation name and row id.
	BeforeUpdate func(op string, id uint)

	nextID      uint
	settings    map[uint]models.UserSettings
	connections map[uint]models.Connection
	jobs        map[uint]models.FollowUpJob
	attempts    []models.DeliveryAttempt
	replies     map[uint]models.Reply
	sequences   map[uint]models.Sequence
	steps       map[uint][]models.SequenceStep
	enrollments map[uint]models.SequenceEnrollment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings:    map[uint]models.UserSettings{},
		connections: map[uint]models.Connection{},
		jobs:        map[uint]models.FollowUpJob{},
		replies:     map[uint]models.Reply{},
		sequences:   map[uint]models.Sequence{},
		steps:       map[uint][]models.SequenceStep{},
		enrollments: map[uint]models.SequenceEnrollment{},
	}
}

type memorySnapshot struct {
	nextID      uint
	settings    map[uint]models.UserSettings
	connections map[uint]models.Connection
	jobs        map[uint]models.FollowUpJob
	attempts    []models.DeliveryAttempt
	replies     map[uint]models.Reply
	sequences   map[uint]models.Sequence
	steps       map[uint][]models.SequenceStep
	enrollments map[uint]models.SequenceEnrollment
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) snapshot() memorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make(map[uint][]models.SequenceStep, len(m.steps))
	for k, v := range m.steps {
		steps[k] = append([]models.SequenceStep(nil), v...)
	}
	return memorySnapshot{
		nextID:      m.nextID,
		settings:    copyMap(m.settings),
		connections: copyMap(m.connections),
		jobs:        copyMap(m.jobs),
		attempts:    append([]models.DeliveryAttempt(nil), m.attempts...),
		replies:     copyMap(m.replies),
		sequences:   copyMap(m.sequences),
		steps:       steps,
		enrollments: copyMap(m.enrollments),
	}
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = s.nextID
	m.settings = s.settings
	m.connections = s.connections
	m.jobs = s.jobs
	m.attempts = s.attempts
	m.replies = s.replies
	m.sequences = s.sequences
	m.steps = s.steps
	m.enrollments = s.enrollments
}

func (m *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *MemoryStore) hook(op string, id uint) {
	if m.BeforeUpdate != nil {
		m.BeforeUpdate(op, id)
	}
}

// id allocates the next row id and stamps the model. Callers hold mu.
func (m *MemoryStore) id() (uint, time.Time) {
	m.nextID++
	return m.nextID, time.Now()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sameEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

// ===== Users =====

func (m *MemoryStore) GetUserSettings(ctx context.Context, userID uint) (*models.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.settings[userID]; ok {
		return &s, nil
	}
	return &models.UserSettings{UserID: userID}, nil
}

func (m *MemoryStore) SaveUserSettings(ctx context.Context, s *models.UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.settings[s.UserID]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	} else {
		s.ID, s.CreatedAt = m.id()
	}
	s.UpdatedAt = time.Now()
	m.settings[s.UserID] = *s
	return nil
}

// ===== Connections =====

func (m *MemoryStore) CreateConnection(ctx context.Context, c *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID, c.CreatedAt = m.id()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = models.ConnectionActive
	}
	m.connections[c.ID] = *c
	return nil
}

func (m *MemoryStore) GetConnection(ctx context.Context, id uint) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) GetUserConnection(ctx context.Context, userID, id uint) (*models.Connection, error) {
	c, err := m.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) sortedConnections(keep func(models.Connection) bool) []models.Connection {
	out := []models.Connection{}
	for _, c := range m.connections {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ListConnections(ctx context.Context, userID uint) ([]models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedConnections(func(c models.Connection) bool { return c.UserID == userID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListPollableConnections(ctx context.Context) ([]models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedConnections(func(c models.Connection) bool { return c.Usable() && c.PollsReplies() }), nil
}

func (m *MemoryStore) FirstActiveConnection(ctx context.Context, userID uint) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sortedConnections(func(c models.Connection) bool { return c.UserID == userID && c.Usable() })
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func (m *MemoryStore) SaveConnection(ctx context.Context, c *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now()
	m.connections[c.ID] = *c
	return nil
}

func (m *MemoryStore) SetConnectionStatus(ctx context.Context, id uint, status string, lastErr *string, validatedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.LastError = lastErr
	if validatedAt != nil {
		c.LastValidatedAt = validatedAt
	}
	m.connections[id] = c
	return nil
}

func (m *MemoryStore) SaveConnectionCredentials(ctx context.Context, id uint, encrypted string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return ErrNotFound
	}
	c.Credentials = encrypted
	m.connections[id] = c
	return nil
}

func (m *MemoryStore) DeleteConnection(ctx context.Context, userID, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(m.connections, id)
	return nil
}

// ===== Follow-up jobs =====

func (m *MemoryStore) CreateFollowUp(ctx context.Context, j *models.FollowUpJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.ID, j.CreatedAt = m.id()
	j.UpdatedAt = j.CreatedAt
	if j.Status == "" {
		j.Status = models.FollowUpPending
	}
	stored := *j
	stored.Replies = nil
	m.jobs[j.ID] = stored
	return nil
}

func (m *MemoryStore) GetFollowUp(ctx context.Context, id uint) (*models.FollowUpJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (m *MemoryStore) GetUserFollowUp(ctx context.Context, userID, id uint) (*models.FollowUpJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.UserID != userID {
		return nil, ErrNotFound
	}
	for _, r := range m.replies {
		if r.FollowUpJobID == id {
			j.Replies = append(j.Replies, r)
		}
	}
	sort.Slice(j.Replies, func(a, b int) bool { return j.Replies[a].ReceivedAt.After(j.Replies[b].ReceivedAt) })
	return &j, nil
}

func (m *MemoryStore) filterJobs(keep func(models.FollowUpJob) bool) []models.FollowUpJob {
	out := []models.FollowUpJob{}
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *MemoryStore) ListFollowUps(ctx context.Context, f JobFilter) ([]models.FollowUpJob, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterJobs(func(j models.FollowUpJob) bool {
		return j.UserID == f.UserID && (f.Status == "" || j.Status == f.Status)
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	return page(out, f.Limit, f.Offset), int64(len(out)), nil
}

func (m *MemoryStore) due(now time.Time) []models.FollowUpJob {
	out := m.filterJobs(func(j models.FollowUpJob) bool { return j.IsDue(now) })
	sort.SliceStable(out, func(a, b int) bool { return out[a].ScheduledAt.Before(out[b].ScheduledAt) })
	return out
}

func (m *MemoryStore) ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]models.FollowUpJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.due(now), limit, 0), nil
}

func (m *MemoryStore) CountDueFollowUps(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.due(now))), nil
}

func (m *MemoryStore) FindFollowUpByMessageID(ctx context.Context, userID uint, messageID string) (*models.FollowUpJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.filterJobs(func(j models.FollowUpJob) bool {
		return j.UserID == userID && messageID != "" &&
			(j.ProviderMessageID == messageID || j.OriginalMessageID == messageID)
	})
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[len(list)-1], nil
}

func (m *MemoryStore) LatestFollowUpForRecipient(ctx context.Context, userID uint, recipient string) (*models.FollowUpJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.filterJobs(func(j models.FollowUpJob) bool {
		return j.UserID == userID && sameEmail(j.OriginalRecipient, recipient) &&
			(j.Status == models.FollowUpSent || j.AwaitingSend())
	})
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[len(list)-1], nil
}

func (m *MemoryStore) ListEnrollmentFollowUps(ctx context.Context, enrollmentID uint) ([]models.FollowUpJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterJobs(func(j models.FollowUpJob) bool {
		return j.SequenceEnrollmentID != nil && *j.SequenceEnrollmentID == enrollmentID
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].StepNumber < out[b].StepNumber })
	return out, nil
}

// updateJob applies fn to the job when its status is in from (any status if
// from is nil).
func (m *MemoryStore) updateJob(op string, id uint, from []string, fn func(j *models.FollowUpJob) bool) error {
	m.hook(op, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrConflict
	}
	if from != nil && !contains(from, j.Status) {
		return ErrConflict
	}
	if !fn(&j) {
		return ErrConflict
	}
	j.UpdatedAt = time.Now()
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) SaveDraft(ctx context.Context, id uint, subject, body string) error {
	return m.updateJob("save_draft", id, nil, func(j *models.FollowUpJob) bool {
		if j.DraftSubject != "" || j.DraftBody != "" {
			return false
		}
		j.DraftSubject, j.DraftBody = subject, body
		return true
	})
}

func (m *MemoryStore) ClaimFollowUp(ctx context.Context, id uint, observed, leaseUntil time.Time) error {
	return m.updateJob("claim", id, models.AwaitingSendStatuses, func(j *models.FollowUpJob) bool {
		if !j.ScheduledAt.Equal(observed) {
			return false
		}
		j.ScheduledAt = leaseUntil
		return true
	})
}

func (m *MemoryStore) MarkSent(ctx context.Context, id uint, sentAt time.Time, messageID string) error {
	return m.updateJob("mark_sent", id, models.AwaitingSendStatuses, func(j *models.FollowUpJob) bool {
		j.Status = models.FollowUpSent
		j.SentAt = &sentAt
		j.ProviderMessageID = messageID
		j.ErrorMessage = nil
		return true
	})
}

func (m *MemoryStore) ScheduleRetry(ctx context.Context, id uint, attempts int, at time.Time, errMsg string) error {
	return m.updateJob("schedule_retry", id, models.AwaitingSendStatuses, func(j *models.FollowUpJob) bool {
		j.Status = models.FollowUpPending
		j.Attempts = attempts
		j.ScheduledAt = at
		j.ErrorMessage = &errMsg
		return true
	})
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id uint, attempts int, errMsg string) error {
	return m.updateJob("mark_failed", id, models.AwaitingSendStatuses, func(j *models.FollowUpJob) bool {
		j.Status = models.FollowUpFailed
		j.Attempts = attempts
		j.ErrorMessage = &errMsg
		return true
	})
}

func (m *MemoryStore) CancelFollowUp(ctx context.Context, id uint, reason string, from []string) error {
	return m.updateJob("cancel", id, from, func(j *models.FollowUpJob) bool {
		j.Status = models.FollowUpCancelled
		j.ErrorMessage = &reason
		return true
	})
}

func (m *MemoryStore) MarkReplied(ctx context.Context, id uint, at time.Time, from []string) error {
	return m.updateJob("mark_replied", id, from, func(j *models.FollowUpJob) bool {
		j.Status = models.FollowUpReplied
		j.ReplyReceivedAt = &at
		return true
	})
}

func (m *MemoryStore) ResetFollowUp(ctx context.Context, id uint, at time.Time, from []string, resetAttempts bool) error {
	return m.updateJob("reset", id, from, func(j *models.FollowUpJob) bool {
		j.Status = models.FollowUpPending
		j.ScheduledAt = at
		if resetAttempts {
			j.Attempts = 0
			j.ErrorMessage = nil
		}
		return true
	})
}

func (m *MemoryStore) CancelSiblingFollowUps(ctx context.Context, userID uint, recipient string, excludeID uint, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if id == excludeID || j.UserID != userID || !sameEmail(j.OriginalRecipient, recipient) || !j.AwaitingSend() {
			continue
		}
		j.Status = models.FollowUpCancelled
		msg := reason
		j.ErrorMessage = &msg
		m.jobs[id] = j
		n++
	}
	return n, nil
}

func (m *MemoryStore) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID, a.CreatedAt = m.id()
	m.attempts = append(m.attempts, *a)
	return nil
}

func (m *MemoryStore) ListAttempts(ctx context.Context, jobID uint) ([]models.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.DeliveryAttempt{}
	for _, a := range m.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ===== Replies =====

func (m *MemoryStore) CreateReply(ctx context.Context, r *models.Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.replies {
		if r.MessageID != "" && existing.MessageID == r.MessageID {
			return ErrDuplicate
		}
	}
	r.ID, r.CreatedAt = m.id()
	r.UpdatedAt = r.CreatedAt
	m.replies[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetUserReply(ctx context.Context, userID, id uint) (*models.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replies[id]
	if !ok || r.UserID != userID {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListReplies(ctx context.Context, f ReplyFilter) ([]models.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	search := strings.ToLower(f.Search)
	out := []models.Reply{}
	for _, r := range m.replies {
		if r.UserID != f.UserID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(r.FromEmail), search) &&
			!strings.Contains(strings.ToLower(r.Subject), search) &&
			!strings.Contains(strings.ToLower(r.Body), search) {
			continue
		}
		if f.From != nil && r.ReceivedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.ReceivedAt.Before(*f.To) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReceivedAt.After(out[b].ReceivedAt) })
	return page(out, f.Limit, f.Offset), nil
}

func (m *MemoryStore) ReplyExists(ctx context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.replies {
		if r.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

// ===== Sequences =====

func (m *MemoryStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int]bool{}
	for _, st := range seq.Steps {
		if seen[st.StepNumber] {
			return ErrDuplicate
		}
		seen[st.StepNumber] = true
	}
	seq.ID, seq.CreatedAt = m.id()
	seq.UpdatedAt = seq.CreatedAt
	for i := range seq.Steps {
		seq.Steps[i].ID, seq.Steps[i].CreatedAt = m.id()
		seq.Steps[i].SequenceID = seq.ID
	}
	stored := *seq
	m.steps[seq.ID] = append([]models.SequenceStep(nil), seq.Steps...)
	stored.Steps = nil
	m.sequences[seq.ID] = stored
	return nil
}

// withSteps attaches sorted steps. Callers hold mu.
func (m *MemoryStore) withSteps(seq models.Sequence) *models.Sequence {
	seq.Steps = append([]models.SequenceStep(nil), m.steps[seq.ID]...)
	sort.Slice(seq.Steps, func(a, b int) bool { return seq.Steps[a].StepNumber < seq.Steps[b].StepNumber })
	return &seq
}

func (m *MemoryStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withSteps(seq), nil
}

func (m *MemoryStore) GetUserSequence(ctx context.Context, userID, id uint) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok || seq.UserID != userID {
		return nil, ErrNotFound
	}
	return m.withSteps(seq), nil
}

func (m *MemoryStore) ListSequences(ctx context.Context, userID uint, isActive *bool, limit, offset int) ([]models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Sequence{}
	for _, seq := range m.sequences {
		if seq.UserID != userID || (isActive != nil && seq.IsActive != *isActive) {
			continue
		}
		seq.StepCount = int64(len(m.steps[seq.ID]))
		for _, e := range m.enrollments {
			if e.SequenceID != seq.ID {
				continue
			}
			seq.EnrollmentCount++
			switch e.Status {
			case models.EnrollmentActive:
				seq.ActiveEnrollmentCount++
			case models.EnrollmentCompleted:
				seq.CompletedEnrollmentCount++
			}
		}
		out = append(out, seq)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) SaveSequence(ctx context.Context, seq *models.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sequences[seq.ID]; !ok {
		return ErrNotFound
	}
	stored := *seq
	stored.Steps = nil
	stored.UpdatedAt = time.Now()
	m.sequences[seq.ID] = stored
	return nil
}

func (m *MemoryStore) DeleteSequence(ctx context.Context, userID, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok || seq.UserID != userID {
		return ErrNotFound
	}
	delete(m.sequences, id)
	delete(m.steps, id)
	return nil
}

func (m *MemoryStore) CreateEnrollment(ctx context.Context, e *models.SequenceEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Status == models.EnrollmentActive {
		clash := m.filterEnrollments(func(x models.SequenceEnrollment) bool {
			return x.SequenceID == e.SequenceID && x.Status == models.EnrollmentActive && sameEmail(x.RecipientEmail, e.RecipientEmail)
		})
		if len(clash) > 0 {
			return ErrDuplicate
		}
	}
	e.ID, e.CreatedAt = m.id()
	e.UpdatedAt = e.CreatedAt
	m.enrollments[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetUserEnrollment(ctx context.Context, userID, sequenceID, id uint) (*models.SequenceEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.UserID != userID || e.SequenceID != sequenceID {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) filterEnrollments(keep func(models.SequenceEnrollment) bool) []models.SequenceEnrollment {
	out := []models.SequenceEnrollment{}
	for _, e := range m.enrollments {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (m *MemoryStore) HasActiveEnrollment(ctx context.Context, sequenceID uint, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.filterEnrollments(func(e models.SequenceEnrollment) bool {
		return e.SequenceID == sequenceID && e.Status == models.EnrollmentActive && sameEmail(e.RecipientEmail, email)
	})
	return len(list) > 0, nil
}

func (m *MemoryStore) ListEnrollments(ctx context.Context, sequenceID uint, status string, limit, offset int) ([]models.SequenceEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.filterEnrollments(func(e models.SequenceEnrollment) bool {
		return e.SequenceID == sequenceID && (status == "" || e.Status == status)
	})
	sort.SliceStable(list, func(a, b int) bool { return list[a].ID > list[b].ID })
	return page(list, limit, offset), nil
}

func (m *MemoryStore) ListActiveEnrollments(ctx context.Context, limit int) ([]models.SequenceEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.filterEnrollments(func(e models.SequenceEnrollment) bool { return e.Status == models.EnrollmentActive })
	return page(list, limit, 0), nil
}

func (m *MemoryStore) ListActiveEnrollmentsForRecipient(ctx context.Context, userID uint, email string) ([]models.SequenceEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterEnrollments(func(e models.SequenceEnrollment) bool {
		return e.UserID == userID && e.Status == models.EnrollmentActive && sameEmail(e.RecipientEmail, email)
	}), nil
}

func (m *MemoryStore) AdvanceEnrollment(ctx context.Context, id uint, from, to int) error {
	m.hook("advance_enrollment", id)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentActive || e.CurrentStep != from {
		return ErrConflict
	}
	e.CurrentStep = to
	m.enrollments[id] = e
	return nil
}

func (m *MemoryStore) FinishEnrollment(ctx context.Context, id uint, status string, at time.Time, lastErr *string) error {
	m.hook("finish_enrollment", id)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != models.EnrollmentActive {
		return ErrConflict
	}
	switch status {
	case models.EnrollmentCompleted:
		e.CompletedAt = &at
	case models.EnrollmentStopped, models.EnrollmentFailed:
		e.StoppedAt = &at
	default:
		return fmt.Errorf("invalid terminal enrollment status %q", status)
	}
	e.Status = status
	if lastErr != nil {
		msg := *lastErr
		e.LastError = &msg
	}
	m.enrollments[id] = e
	return nil
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
