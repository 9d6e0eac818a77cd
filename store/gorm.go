package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"mailfollow/models"
)

// GormStore implements Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

// casResult maps an UPDATE result to ErrConflict when nothing matched.
func casResult(res *gorm.DB) error {
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ===== Users =====

func (s *GormStore) GetUserSettings(ctx context.Context, userID uint) (*models.UserSettings, error) {
	var settings models.UserSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UserSettings{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *GormStore) SaveUserSettings(ctx context.Context, settings *models.UserSettings) error {
	var existing models.UserSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", settings.UserID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return translate(s.db.WithContext(ctx).Create(settings).Error)
	case err != nil:
		return err
	}
	settings.ID = existing.ID
	settings.CreatedAt = existing.CreatedAt
	return translate(s.db.WithContext(ctx).Save(settings).Error)
}

// ===== Connections =====

func (s *GormStore) CreateConnection(ctx context.Context, c *models.Connection) error {
	return translate(s.db.WithContext(ctx).Create(c).Error)
}

func (s *GormStore) GetConnection(ctx context.Context, id uint) (*models.Connection, error) {
	var c models.Connection
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) GetUserConnection(ctx context.Context, userID, id uint) (*models.Connection, error) {
	var c models.Connection
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) ListConnections(ctx context.Context, userID uint) ([]models.Connection, error) {
	var out []models.Connection
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	return out, err
}

func (s *GormStore) ListPollableConnections(ctx context.Context) ([]models.Connection, error) {
	var out []models.Connection
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND status = ? AND imap_host <> ''", true, models.ConnectionActive).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) FirstActiveConnection(ctx context.Context, userID uint) (*models.Connection, error) {
	var c models.Connection
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND status = ?", userID, true, models.ConnectionActive).
		Order("id ASC").
		First(&c).Error
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) SaveConnection(ctx context.Context, c *models.Connection) error {
	return translate(s.db.WithContext(ctx).Save(c).Error)
}

func (s *GormStore) SetConnectionStatus(ctx context.Context, id uint, status string, lastErr *string, validatedAt *time.Time) error {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastErr,
	}
	if validatedAt != nil {
		updates["last_validated_at"] = validatedAt
	}
	res := s.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SaveConnectionCredentials(ctx context.Context, id uint, encrypted string) error {
	res := s.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", id).Update("credentials", encrypted)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteConnection(ctx context.Context, userID, id uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.Connection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ===== Follow-up jobs =====

func (s *GormStore) CreateFollowUp(ctx context.Context, j *models.FollowUpJob) error {
	return translate(s.db.WithContext(ctx).Create(j).Error)
}

func (s *GormStore) GetFollowUp(ctx context.Context, id uint) (*models.FollowUpJob, error) {
	var j models.FollowUpJob
	if err := s.db.WithContext(ctx).First(&j, id).Error; err != nil {
		return nil, translate(err)
	}
	return &j, nil
}

func (s *GormStore) GetUserFollowUp(ctx context.Context, userID, id uint) (*models.FollowUpJob, error) {
	var j models.FollowUpJob
	err := s.db.WithContext(ctx).
		Preload("Replies", func(db *gorm.DB) *gorm.DB { return db.Order("received_at DESC") }).
		Where("id = ? AND user_id = ?", id, userID).
		First(&j).Error
	if err != nil {
		return nil, translate(err)
	}
	return &j, nil
}

func (s *GormStore) ListFollowUps(ctx context.Context, f JobFilter) ([]models.FollowUpJob, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).Where("user_id = ?", f.UserID)
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []models.FollowUpJob
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	err := query.Offset(f.Offset).Order("created_at DESC").Find(&out).Error
	return out, total, err
}

func (s *GormStore) dueQuery(ctx context.Context, now time.Time) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("status IN ? AND scheduled_at <= ?", models.AwaitingSendStatuses, now)
}

func (s *GormStore) ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]models.FollowUpJob, error) {
	var out []models.FollowUpJob
	err := s.dueQuery(ctx, now).Order("scheduled_at ASC, id ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *GormStore) CountDueFollowUps(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.dueQuery(ctx, now).Count(&n).Error
	return n, err
}

func (s *GormStore) FindFollowUpByMessageID(ctx context.Context, userID uint, messageID string) (*models.FollowUpJob, error) {
	var j models.FollowUpJob
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND (provider_message_id = ? OR original_message_id = ?)", userID, messageID, messageID).
		Order("id DESC").
		First(&j).Error
	if err != nil {
		return nil, translate(err)
	}
	return &j, nil
}

func (s *GormStore) LatestFollowUpForRecipient(ctx context.Context, userID uint, recipient string) (*models.FollowUpJob, error) {
	var j models.FollowUpJob
	statuses := append([]string{models.FollowUpSent}, models.AwaitingSendStatuses...)
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND LOWER(original_recipient) = ? AND status IN ?", userID, strings.ToLower(recipient), statuses).
		Order("created_at DESC").
		First(&j).Error
	if err != nil {
		return nil, translate(err)
	}
	return &j, nil
}

func (s *GormStore) ListEnrollmentFollowUps(ctx context.Context, enrollmentID uint) ([]models.FollowUpJob, error) {
	var out []models.FollowUpJob
	err := s.db.WithContext(ctx).
		Where("sequence_enrollment_id = ?", enrollmentID).
		Order("step_number ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) SaveDraft(ctx context.Context, id uint, subject, body string) error {
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("id = ? AND COALESCE(draft_subject, '') = '' AND COALESCE(draft_body, '') = ''", id).
		Updates(map[string]interface{}{"draft_subject": subject, "draft_body": body})
	return casResult(res)
}

func (s *GormStore) ClaimFollowUp(ctx context.Context, id uint, observed, leaseUntil time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("id = ? AND status IN ? AND scheduled_at = ?", id, models.AwaitingSendStatuses, observed).
		Update("scheduled_at", leaseUntil)
	return casResult(res)
}

func (s *GormStore) MarkSent(ctx context.Context, id uint, sentAt time.Time, messageID string) error {
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("id = ? AND status IN ?", id, models.AwaitingSendStatuses).
		Updates(map[string]interface{}{
			"status":              models.FollowUpSent,
			"sent_at":             sentAt,
			"provider_message_id": messageID,
			"error_message":       nil,
		})
	return casResult(res)
}

func (s *GormStore) ScheduleRetry(ctx context.Context, id uint, attempts int, at time.Time, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("id = ? AND status IN ?", id, models.AwaitingSendStatuses).
		Updates(map[string]interface{}{
			"status":        models.FollowUpPending,
			"attempts":      attempts,
			"scheduled_at":  at,
			"error_message": errMsg,
		})
	return casResult(res)
}

func (s *GormStore) MarkFailed(ctx context.Context, id uint, attempts int, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("id = ? AND status IN ?", id, models.AwaitingSendStatuses).
		Updates(map[string]interface{}{
			"status":        models.FollowUpFailed,
			"attempts":      attempts,
			"error_message": errMsg,
		})
	return casResult(res)
}

func (s *GormStore) CancelFollowUp(ctx context.Context, id uint, reason string, from []string) error {
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":        models.FollowUpCancelled,
			"error_message": reason,
		})
	return casResult(res)
}

func (s *GormStore) MarkReplied(ctx context.Context, id uint, at time.Time, from []string) error {
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":            models.FollowUpReplied,
			"reply_received_at": at,
		})
	return casResult(res)
}

func (s *GormStore) ResetFollowUp(ctx context.Context, id uint, at time.Time, from []string, resetAttempts bool) error {
	updates := map[string]interface{}{
		"status":       models.FollowUpPending,
		"scheduled_at": at,
	}
	if resetAttempts {
		updates["attempts"] = 0
		updates["error_message"] = nil
	}
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return casResult(res)
}

func (s *GormStore) CancelSiblingFollowUps(ctx context.Context, userID uint, recipient string, excludeID uint, reason string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.FollowUpJob{}).
		Where("user_id = ? AND LOWER(original_recipient) = ? AND id <> ? AND status IN ?",
			userID, strings.ToLower(recipient), excludeID, models.AwaitingSendStatuses).
		Updates(map[string]interface{}{
			"status":        models.FollowUpCancelled,
			"error_message": reason,
		})
	return res.RowsAffected, res.Error
}

func (s *GormStore) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	return translate(s.db.WithContext(ctx).Create(a).Error)
}

func (s *GormStore) ListAttempts(ctx context.Context, jobID uint) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("attempt_number ASC").Find(&out).Error
	return out, err
}

// ===== Replies =====

func (s *GormStore) CreateReply(ctx context.Context, r *models.Reply) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *GormStore) GetUserReply(ctx context.Context, userID, id uint) (*models.Reply, error) {
	var r models.Reply
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *GormStore) ListReplies(ctx context.Context, f ReplyFilter) ([]models.Reply, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", f.UserID)
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		query = query.Where("LOWER(from_email) LIKE ? OR LOWER(subject) LIKE ? OR LOWER(body) LIKE ?", like, like, like)
	}
	if f.From != nil {
		query = query.Where("received_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("received_at < ?", *f.To)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	var out []models.Reply
	err := query.Offset(f.Offset).Order("received_at DESC").Find(&out).Error
	return out, err
}

func (s *GormStore) ReplyExists(ctx context.Context, messageID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Reply{}).Where("message_id = ?", messageID).Count(&n).Error
	return n > 0, err
}

// ===== Sequences =====

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_number ASC")
}

func (s *GormStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	return translate(s.db.WithContext(ctx).Create(seq).Error)
}

func (s *GormStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := s.db.WithContext(ctx).Preload("Steps", orderedSteps).First(&seq, id).Error; err != nil {
		return nil, translate(err)
	}
	return &seq, nil
}

func (s *GormStore) GetUserSequence(ctx context.Context, userID, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("id = ? AND user_id = ?", id, userID).
		First(&seq).Error
	if err != nil {
		return nil, translate(err)
	}
	return &seq, nil
}

type sequenceCounts struct {
	SequenceID uint
	Total      int64
	Active     int64
	Completed  int64
}

func (s *GormStore) ListSequences(ctx context.Context, userID uint, isActive *bool, limit, offset int) ([]models.Sequence, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if isActive != nil {
		query = query.Where("is_active = ?", *isActive)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var seqs []models.Sequence
	if err := query.Offset(offset).Order("created_at DESC").Find(&seqs).Error; err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return seqs, nil
	}

	ids := make([]uint, len(seqs))
	for i := range seqs {
		ids[i] = seqs[i].ID
	}

	var stepCounts []struct {
		SequenceID uint
		N          int64
	}
	if err := s.db.WithContext(ctx).Model(&models.SequenceStep{}).
		Select("sequence_id, COUNT(*) AS n").
		Where("sequence_id IN ?", ids).
		Group("sequence_id").
		Scan(&stepCounts).Error; err != nil {
		return nil, fmt.Errorf("count steps: %w", err)
	}

	var enrollCounts []sequenceCounts
	if err := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Select(`sequence_id, COUNT(*) AS total,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS active,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed`,
			models.EnrollmentActive, models.EnrollmentCompleted).
		Where("sequence_id IN ?", ids).
		Group("sequence_id").
		Scan(&enrollCounts).Error; err != nil {
		return nil, fmt.Errorf("count enrollments: %w", err)
	}

	byID := make(map[uint]*models.Sequence, len(seqs))
	for i := range seqs {
		byID[seqs[i].ID] = &seqs[i]
	}
	for _, c := range stepCounts {
		byID[c.SequenceID].StepCount = c.N
	}
	for _, c := range enrollCounts {
		seq := byID[c.SequenceID]
		seq.EnrollmentCount = c.Total
		seq.ActiveEnrollmentCount = c.Active
		seq.CompletedEnrollmentCount = c.Completed
	}
	return seqs, nil
}

func (s *GormStore) SaveSequence(ctx context.Context, seq *models.Sequence) error {
	return translate(s.db.WithContext(ctx).Omit("Steps").Save(seq).Error)
}

func (s *GormStore) DeleteSequence(ctx context.Context, userID, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&models.Sequence{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("sequence_id = ?", id).Delete(&models.SequenceStep{}).Error
	})
}

func (s *GormStore) CreateEnrollment(ctx context.Context, e *models.SequenceEnrollment) error {
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *GormStore) GetUserEnrollment(ctx context.Context, userID, sequenceID, id uint) (*models.SequenceEnrollment, error) {
	var e models.SequenceEnrollment
	err := s.db.WithContext(ctx).
		Where("id = ? AND sequence_id = ? AND user_id = ?", id, sequenceID, userID).
		First(&e).Error
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) HasActiveEnrollment(ctx context.Context, sequenceID uint, email string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("sequence_id = ? AND LOWER(recipient_email) = ? AND status = ?", sequenceID, strings.ToLower(email), models.EnrollmentActive).
		Count(&n).Error
	return n > 0, err
}

func (s *GormStore) ListEnrollments(ctx context.Context, sequenceID uint, status string, limit, offset int) ([]models.SequenceEnrollment, error) {
	query := s.db.WithContext(ctx).Where("sequence_id = ?", sequenceID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []models.SequenceEnrollment
	err := query.Offset(offset).Order("created_at DESC").Find(&out).Error
	return out, err
}

func (s *GormStore) ListActiveEnrollments(ctx context.Context, limit int) ([]models.SequenceEnrollment, error) {
	query := s.db.WithContext(ctx).Where("status = ?", models.EnrollmentActive).Order("started_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []models.SequenceEnrollment
	err := query.Find(&out).Error
	return out, err
}

func (s *GormStore) ListActiveEnrollmentsForRecipient(ctx context.Context, userID uint, email string) ([]models.SequenceEnrollment, error) {
	var out []models.SequenceEnrollment
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND LOWER(recipient_email) = ? AND status = ?", userID, strings.ToLower(email), models.EnrollmentActive).
		Find(&out).Error
	return out, err
}

func (s *GormStore) AdvanceEnrollment(ctx context.Context, id uint, from, to int) error {
	res := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ? AND current_step = ?", id, models.EnrollmentActive, from).
		Update("current_step", to)
	return casResult(res)
}

func (s *GormStore) FinishEnrollment(ctx context.Context, id uint, status string, at time.Time, lastErr *string) error {
	updates := map[string]interface{}{"status": status}
	switch status {
	case models.EnrollmentCompleted:
		updates["completed_at"] = at
	case models.EnrollmentStopped, models.EnrollmentFailed:
		updates["stopped_at"] = at
	default:
		return fmt.Errorf("invalid terminal enrollment status %q", status)
	}
	if lastErr != nil {
		updates["last_error"] = *lastErr
	}
	res := s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("id = ? AND status = ?", id, models.EnrollmentActive).
		Updates(updates)
	return casResult(res)
}
