package relational

import (
	"context"

	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence"
)

func (s *Storage) CreateJourney(ctx context.Context, journey *model.JourneyRecord) error {
	return wrap("create journey", s.db.WithContext(ctx).Create(journey).Error)
}

func (s *Storage) GetJourney(ctx context.Context, journeyId string) (*model.JourneyRecord, error) {
	var journey model.JourneyRecord
	if err := s.db.WithContext(ctx).Where("id = ?", journeyId).First(&journey).Error; err != nil {
		return nil, notFound(err, "journey", journeyId)
	}
	return &journey, nil
}

func (s *Storage) SaveJourney(ctx context.Context, journey *model.JourneyRecord) error {
	return wrap("save journey", s.db.WithContext(ctx).Save(journey).Error)
}

func (s *Storage) ListJourneys(ctx context.Context, organizationId string, flowId string, contactId string) ([]*model.JourneyRecord, error) {
	q := s.db.WithContext(ctx).Where("organization_id = ? AND flow_id = ?", organizationId, flowId)
	if contactId != "" {
		q = q.Where("contact_id = ?", contactId)
	}
	var out []*model.JourneyRecord
	if err := q.Order("started_at ASC").Find(&out).Error; err != nil {
		return nil, wrap("list journeys", err)
	}
	return out, nil
}

func (s *Storage) VariantOutcomes(ctx context.Context, organizationId string, flowId string) ([]persistence.VariantOutcome, error) {
	var out []persistence.VariantOutcome
	err := s.db.WithContext(ctx).Model(&model.JourneyRecord{}).
		Select(`variant_id,
			COUNT(*) AS journeys,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS abandoned,
			COALESCE(SUM(conversion_value), 0) AS conversion_value`,
			model.JOURNEY_COMPLETED, model.JOURNEY_ABANDONED).
		Where("organization_id = ? AND flow_id = ?", organizationId, flowId).
		Group("variant_id").
		Order("variant_id ASC").
		Scan(&out).Error
	if err != nil {
		return nil, wrap("aggregate variant outcomes", err)
	}
	return out, nil
}

func (s *Storage) AppendNodeEvents(ctx context.Context, events []*model.NodeEvent) error {
	if len(events) == 0 {
		return nil
	}
	return wrap("append node events", s.db.WithContext(ctx).Create(&events).Error)
}

func (s *Storage) ListNodeEvents(ctx context.Context, organizationId string, flowId string, contactId string) ([]*model.NodeEvent, error) {
	q := s.db.WithContext(ctx).Where("organization_id = ? AND flow_id = ?", organizationId, flowId)
	if contactId != "" {
		q = q.Where("contact_id = ?", contactId)
	}
	var out []*model.NodeEvent
	if err := q.Order("timestamp ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, wrap("list node events", err)
	}
	return out, nil
}

func (s *Storage) NodeEventCounts(ctx context.Context, organizationId string, flowId string, variantId string) ([]persistence.NodeEventCount, error) {
	var out []persistence.NodeEventCount
	err := s.db.WithContext(ctx).Model(&model.NodeEvent{}).
		Select("node_id, action, COUNT(*) AS count").
		Where("organization_id = ? AND flow_id = ? AND variant_id = ?", organizationId, flowId, variantId).
		Group("node_id, action").
		Order("node_id ASC").
		Scan(&out).Error
	if err != nil {
		return nil, wrap("aggregate node events", err)
	}
	return out, nil
}
