package relational

import (
	"context"
	"time"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence"
)

func (s *Storage) CreateJobs(ctx context.Context, jobs []*model.DispatchJob) error {
	if len(jobs) == 0 {
		return nil
	}
	return wrap("create dispatch jobs", s.db.WithContext(ctx).Create(&jobs).Error)
}

func (s *Storage) GetJob(ctx context.Context, jobId string) (*model.DispatchJob, error) {
	var job model.DispatchJob
	if err := s.db.WithContext(ctx).Where("id = ?", jobId).First(&job).Error; err != nil {
		return nil, notFound(err, "dispatch job", jobId)
	}
	return &job, nil
}

func (s *Storage) ListJobs(ctx context.Context, filter persistence.JobFilter) ([]*model.DispatchJob, error) {
	q := s.db.WithContext(ctx).Model(&model.DispatchJob{})
	if filter.OrganizationId != "" {
		q = q.Where("organization_id = ?", filter.OrganizationId)
	}
	if filter.ChannelId != "" {
		q = q.Where("channel_id = ?", filter.ChannelId)
	}
	if filter.ContactId != "" {
		q = q.Where("contact_id = ?", filter.ContactId)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var out []*model.DispatchJob
	if err := q.Order("scheduled_at ASC").Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, wrap("list dispatch jobs", err)
	}
	return out, nil
}

func (s *Storage) DueChannels(ctx context.Context, now time.Time) ([]string, error) {
	var channels []string
	err := s.db.WithContext(ctx).Model(&model.DispatchJob{}).
		Where("status = ? AND scheduled_at <= ?", model.DISPATCH_PENDING, now.UTC()).
		Distinct("channel_id").
		Order("channel_id ASC").
		Pluck("channel_id", &channels).Error
	if err != nil {
		return nil, wrap("list due channels", err)
	}
	return channels, nil
}

func (s *Storage) NextDueJob(ctx context.Context, channelId string, now time.Time) (*model.DispatchJob, error) {
	var job model.DispatchJob
	err := s.forUpdate(s.db.WithContext(ctx)).
		Where("channel_id = ? AND status = ? AND scheduled_at <= ?", channelId, model.DISPATCH_PENDING, now.UTC()).
		Order("scheduled_at ASC").
		Order("created_at ASC").
		Order("id ASC").
		First(&job).Error
	if err != nil {
		return nil, notFound(err, "due dispatch job", channelId)
	}
	return &job, nil
}

func (s *Storage) DeferDue(ctx context.Context, channelId string, now time.Time, until time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.DispatchJob{}).
		Where("channel_id = ? AND status = ? AND scheduled_at <= ?", channelId, model.DISPATCH_PENDING, now.UTC()).
		Update("scheduled_at", until.UTC())
	if res.Error != nil {
		return 0, wrap("defer dispatch jobs", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) CountSentSince(ctx context.Context, channelId string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.DispatchJob{}).
		Where("channel_id = ? AND status = ? AND sent_at >= ?", channelId, model.DISPATCH_SENT, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, wrap("count sent jobs", err)
	}
	return count, nil
}

func (s *Storage) MarkSent(ctx context.Context, jobId string, providerMessageId string, sentAt time.Time) error {
	sent := sentAt.UTC()
	return s.updatePending(ctx, jobId, map[string]any{
		"status":              model.DISPATCH_SENT,
		"provider_message_id": providerMessageId,
		"sent_at":             &sent,
		"last_error":          "",
	})
}

func (s *Storage) Reschedule(ctx context.Context, jobId string, retryCount int, scheduledAt time.Time, lastError string) error {
	return s.updatePending(ctx, jobId, map[string]any{
		"retry_count":  retryCount,
		"scheduled_at": scheduledAt.UTC(),
		"last_error":   lastError,
	})
}

func (s *Storage) MarkFailed(ctx context.Context, jobId string, retryCount int, lastError string) error {
	return s.updatePending(ctx, jobId, map[string]any{
		"status":      model.DISPATCH_FAILED,
		"retry_count": retryCount,
		"last_error":  lastError,
	})
}

// updatePending only touches jobs that are still pending, so a terminal job
// can never be revived.
func (s *Storage) updatePending(ctx context.Context, jobId string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&model.DispatchJob{}).
		Where("id = ? AND status = ?", jobId, model.DISPATCH_PENDING).
		Updates(updates)
	if res.Error != nil {
		return wrap("update dispatch job", res.Error)
	}
	if res.RowsAffected == 0 {
		return api.ConcurrencyConflictError{Entity: "dispatch job", Id: jobId}
	}
	return nil
}

func (s *Storage) PurgeTerminal(ctx context.Context, updatedBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []model.DispatchStatus{model.DISPATCH_SENT, model.DISPATCH_FAILED}, updatedBefore.UTC()).
		Delete(&model.DispatchJob{})
	if res.Error != nil {
		return 0, wrap("purge dispatch jobs", res.Error)
	}
	return res.RowsAffected, nil
}
