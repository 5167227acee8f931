package relational

import (
	"context"
	"errors"
	"time"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/model"
	"gorm.io/gorm"
)

func (s *Storage) GetState(ctx context.Context, organizationId string, contactId string, flowId string) (*model.ContactFlowState, error) {
	var state model.ContactFlowState
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND contact_id = ? AND flow_id = ?", organizationId, contactId, flowId).
		First(&state).Error
	if err != nil {
		return nil, notFound(err, "contact flow state", contactId+"/"+flowId)
	}
	return &state, nil
}

func (s *Storage) CreateState(ctx context.Context, state *model.ContactFlowState) error {
	err := s.db.WithContext(ctx).Create(state).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return api.ConcurrencyConflictError{Entity: "contact flow state", Id: state.ContactId + "/" + state.FlowId}
	}
	return wrap("create contact flow state", err)
}

func (s *Storage) UpdateState(ctx context.Context, state *model.ContactFlowState, expectedRevision int64) error {
	res := s.db.WithContext(ctx).Model(&model.ContactFlowState{}).
		Where("id = ? AND revision = ?", state.Id, expectedRevision).
		Select("*").Omit("id", "created_at").
		Updates(state)
	if res.Error != nil {
		return wrap("update contact flow state", res.Error)
	}
	if res.RowsAffected == 0 {
		return api.ConcurrencyConflictError{Entity: "contact flow state", Id: state.ContactId + "/" + state.FlowId}
	}
	return nil
}

func (s *Storage) ListDueDelays(ctx context.Context, now time.Time, limit int) ([]*model.ContactFlowState, error) {
	var out []*model.ContactFlowState
	err := s.db.WithContext(ctx).
		Where("completed = ? AND wake_at IS NOT NULL AND wake_at <= ?", false, now.UTC()).
		Order("wake_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, wrap("list due delays", err)
	}
	return out, nil
}

// ListStaleAwaiting returns states parked on a question since before
// enteredBefore. The clock starts when the question node was entered.
func (s *Storage) ListStaleAwaiting(ctx context.Context, enteredBefore time.Time, limit int) ([]*model.ContactFlowState, error) {
	var out []*model.ContactFlowState
	err := s.db.WithContext(ctx).
		Where("completed = ? AND awaiting_input = ? AND node_entered_at < ?", false, true, enteredBefore.UTC()).
		Order("node_entered_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, wrap("list stale states", err)
	}
	return out, nil
}
