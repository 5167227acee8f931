package metadata

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/flow"
	"github.com/mohitkumar/engage/logger"
	"github.com/mohitkumar/engage/model"
	"go.uber.org/zap"
)

// MetadataService manages flow slots and their variants. Every graph is
// compiled before it is stored, so the engine only ever loads valid graphs.
type MetadataService interface {
	CreateFlow(ctx context.Context, def *model.FlowDefinition) error
	GetFlow(ctx context.Context, organizationId string, flowId string) (*model.FlowDefinition, error)
	UpdateFlowGraph(ctx context.Context, organizationId string, flowId string, startNodeId string, nodes []model.Node, edges []model.Edge) (*model.FlowDefinition, error)
	SetFlowActive(ctx context.Context, organizationId string, flowId string, active bool) error
	CreateVariant(ctx context.Context, variant *model.FlowVariant) error
	ListVariants(ctx context.Context, organizationId string, flowId string) ([]*model.FlowVariant, error)
	SetVariantActive(ctx context.Context, organizationId string, variantId string, active bool) error
	ValidateGraph(src flow.Source) error
	GetMetadataStorage() MetadataStorage
}

type MetadataServiceImpl struct {
	storage        MetadataStorage
	validateAction flow.ActionValidator
}

func NewMetadataService(storage MetadataStorage, validateAction flow.ActionValidator) MetadataService {
	return &MetadataServiceImpl{
		storage:        storage,
		validateAction: validateAction,
	}
}

func (s *MetadataServiceImpl) CreateFlow(ctx context.Context, def *model.FlowDefinition) error {
	if def.OrganizationId == "" {
		return api.ValidationError{Field: "organizationId", Message: "required"}
	}
	if def.Name == "" {
		return api.ValidationError{Field: "name", Message: "required"}
	}
	if def.Id == "" {
		def.Id = uuid.NewString()
	}
	def.Version = 1
	def.Active = true
	if err := s.ValidateGraph(flow.FromDefinition(def)); err != nil {
		return err
	}
	if err := s.storage.CreateFlow(ctx, def); err != nil {
		return err
	}
	logger.Info("flow created", zap.String("organization", def.OrganizationId), zap.String("flow", def.Id), zap.Int("nodes", len(def.Nodes)))
	return nil
}

func (s *MetadataServiceImpl) GetFlow(ctx context.Context, organizationId string, flowId string) (*model.FlowDefinition, error) {
	return s.storage.GetFlow(ctx, organizationId, flowId)
}

// UpdateFlowGraph stores a new version of the base graph. States already bound
// to an older version keep running on it.
func (s *MetadataServiceImpl) UpdateFlowGraph(ctx context.Context, organizationId string, flowId string, startNodeId string, nodes []model.Node, edges []model.Edge) (*model.FlowDefinition, error) {
	src := flow.Source{FlowId: flowId, StartNodeId: startNodeId, Nodes: nodes, Edges: edges}
	if err := s.ValidateGraph(src); err != nil {
		return nil, err
	}
	updated, err := s.storage.UpdateGraph(ctx, organizationId, flowId, startNodeId, nodes, edges)
	if err != nil {
		return nil, err
	}
	logger.Info("flow graph updated", zap.String("flow", flowId), zap.Int("version", updated.Version))
	return updated, nil
}

func (s *MetadataServiceImpl) SetFlowActive(ctx context.Context, organizationId string, flowId string, active bool) error {
	if err := s.storage.SetFlowActive(ctx, organizationId, flowId, active); err != nil {
		return err
	}
	logger.Info("flow activation changed", zap.String("flow", flowId), zap.Bool("active", active))
	return nil
}

func (s *MetadataServiceImpl) CreateVariant(ctx context.Context, variant *model.FlowVariant) error {
	if variant.Weight < 0 || variant.Weight > 100 {
		return api.ValidationError{Field: "weight", Message: fmt.Sprintf("weight %d must be between 0 and 100", variant.Weight)}
	}
	if _, err := s.storage.GetFlow(ctx, variant.OrganizationId, variant.FlowId); err != nil {
		return err
	}
	if variant.Id == "" {
		variant.Id = uuid.NewString()
	}
	variant.Active = true
	if err := s.ValidateGraph(flow.FromVariant(variant)); err != nil {
		return err
	}
	if err := s.storage.CreateVariant(ctx, variant); err != nil {
		return err
	}
	logger.Info("variant created", zap.String("flow", variant.FlowId), zap.String("variant", variant.Id), zap.Int("weight", variant.Weight))
	return nil
}

func (s *MetadataServiceImpl) ListVariants(ctx context.Context, organizationId string, flowId string) ([]*model.FlowVariant, error) {
	return s.storage.ListVariants(ctx, organizationId, flowId, false)
}

func (s *MetadataServiceImpl) SetVariantActive(ctx context.Context, organizationId string, variantId string, active bool) error {
	return s.storage.SetVariantActive(ctx, organizationId, variantId, active)
}

func (s *MetadataServiceImpl) ValidateGraph(src flow.Source) error {
	var opts []flow.Option
	if s.validateAction != nil {
		opts = append(opts, flow.WithActionValidator(s.validateAction))
	}
	_, err := flow.Compile(src, opts...)
	return err
}

func (s *MetadataServiceImpl) GetMetadataStorage() MetadataStorage {
	return s.storage
}
