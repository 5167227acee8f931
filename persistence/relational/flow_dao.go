package relational

import (
	"context"
	"errors"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (s *Storage) CreateFlow(ctx context.Context, flow *model.FlowDefinition) error {
	if flow.Version == 0 {
		flow.Version = 1
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(flow).Error; err != nil {
			return err
		}
		return tx.Create(revisionOf(flow)).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return api.ConcurrencyConflictError{Entity: "flow", Id: flow.Id}
	}
	return wrap("create flow", err)
}

func (s *Storage) GetFlow(ctx context.Context, organizationId string, flowId string) (*model.FlowDefinition, error) {
	var flow model.FlowDefinition
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", organizationId, flowId).
		First(&flow).Error
	if err != nil {
		return nil, notFound(err, "flow", flowId)
	}
	return &flow, nil
}

func (s *Storage) GetRevision(ctx context.Context, flowId string, version int) (*model.FlowRevision, error) {
	var rev model.FlowRevision
	err := s.db.WithContext(ctx).
		Where("flow_id = ? AND version = ?", flowId, version).
		First(&rev).Error
	if err != nil {
		return nil, notFound(err, "flow revision", flowId)
	}
	return &rev, nil
}

func (s *Storage) UpdateGraph(ctx context.Context, organizationId string, flowId string, startNodeId string, nodes []model.Node, edges []model.Edge) (*model.FlowDefinition, error) {
	var updated model.FlowDefinition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.FlowDefinition
		err := s.forUpdate(tx).
			Where("organization_id = ? AND id = ?", organizationId, flowId).
			First(&current).Error
		if err != nil {
			return notFound(err, "flow", flowId)
		}
		res := tx.Model(&model.FlowDefinition{}).
			Where("id = ? AND version = ?", flowId, current.Version).
			Updates(map[string]any{
				"version":       current.Version + 1,
				"start_node_id": startNodeId,
				"nodes":         datatypes.JSONSlice[model.Node](nodes),
				"edges":         datatypes.JSONSlice[model.Edge](edges),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return api.ConcurrencyConflictError{Entity: "flow", Id: flowId}
		}
		if err := tx.Where("id = ?", flowId).First(&updated).Error; err != nil {
			return err
		}
		return tx.Create(revisionOf(&updated)).Error
	})
	if err != nil {
		return nil, wrap("update flow graph", err)
	}
	return &updated, nil
}

func (s *Storage) SetFlowActive(ctx context.Context, organizationId string, flowId string, active bool) error {
	res := s.db.WithContext(ctx).Model(&model.FlowDefinition{}).
		Where("organization_id = ? AND id = ?", organizationId, flowId).
		Update("active", active)
	if res.Error != nil {
		return wrap("set flow active", res.Error)
	}
	if res.RowsAffected == 0 {
		return api.NotFoundError{Entity: "flow", Id: flowId}
	}
	return nil
}

func revisionOf(flow *model.FlowDefinition) *model.FlowRevision {
	return &model.FlowRevision{
		FlowId:      flow.Id,
		Version:     flow.Version,
		StartNodeId: flow.StartNodeId,
		Nodes:       flow.Nodes,
		Edges:       flow.Edges,
	}
}
