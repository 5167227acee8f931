package relational

import (
	"context"
	"errors"
	"fmt"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/model"
	"gorm.io/gorm"
)

const maxTotalWeight = 100

func (s *Storage) CreateVariant(ctx context.Context, variant *model.FlowVariant) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if variant.Active {
			if err := checkWeight(tx, variant.OrganizationId, variant.FlowId, "", variant.Weight); err != nil {
				return err
			}
		}
		return tx.Create(variant).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return api.ConcurrencyConflictError{Entity: "variant", Id: variant.Id}
	}
	return wrap("create variant", err)
}

func (s *Storage) GetVariant(ctx context.Context, organizationId string, variantId string) (*model.FlowVariant, error) {
	var variant model.FlowVariant
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", organizationId, variantId).
		First(&variant).Error
	if err != nil {
		return nil, notFound(err, "variant", variantId)
	}
	return &variant, nil
}

func (s *Storage) ListVariants(ctx context.Context, organizationId string, flowId string, activeOnly bool) ([]*model.FlowVariant, error) {
	q := s.db.WithContext(ctx).Where("organization_id = ? AND flow_id = ?", organizationId, flowId)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var out []*model.FlowVariant
	if err := q.Order("position ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, wrap("list variants", err)
	}
	return out, nil
}

func (s *Storage) SetVariantActive(ctx context.Context, organizationId string, variantId string, active bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var variant model.FlowVariant
		err := tx.Where("organization_id = ? AND id = ?", organizationId, variantId).First(&variant).Error
		if err != nil {
			return notFound(err, "variant", variantId)
		}
		if active && !variant.Active {
			if err := checkWeight(tx, organizationId, variant.FlowId, variantId, variant.Weight); err != nil {
				return err
			}
		}
		return tx.Model(&model.FlowVariant{}).Where("id = ?", variantId).Update("active", active).Error
	})
	return wrap("set variant active", err)
}

func (s *Storage) DeactivateVariants(ctx context.Context, organizationId string, flowId string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.FlowVariant{}).
		Where("organization_id = ? AND flow_id = ? AND active = ?", organizationId, flowId, true).
		Update("active", false)
	if res.Error != nil {
		return 0, wrap("deactivate variants", res.Error)
	}
	return res.RowsAffected, nil
}

func checkWeight(tx *gorm.DB, organizationId string, flowId string, excludeId string, weight int) error {
	if weight < 0 || weight > maxTotalWeight {
		return api.ValidationError{Field: "weight", Message: fmt.Sprintf("must be between 0 and %d", maxTotalWeight)}
	}
	var total int64
	err := tx.Model(&model.FlowVariant{}).
		Select("COALESCE(SUM(weight), 0)").
		Where("organization_id = ? AND flow_id = ? AND active = ? AND id <> ?", organizationId, flowId, true, excludeId).
		Scan(&total).Error
	if err != nil {
		return err
	}
	if total+int64(weight) > maxTotalWeight {
		return api.ValidationError{
			Field:   "weight",
			Message: fmt.Sprintf("active variant weights of flow %s would sum to %d", flowId, total+int64(weight)),
		}
	}
	return nil
}
