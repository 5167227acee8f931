package relational

import (
	"context"

	"github.com/mohitkumar/engage/model"
	"gorm.io/gorm/clause"
)

func (s *Storage) GetAssignment(ctx context.Context, organizationId string, contactId string, flowId string) (*model.VariantAssignment, error) {
	var assignment model.VariantAssignment
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND contact_id = ? AND flow_id = ?", organizationId, contactId, flowId).
		First(&assignment).Error
	if err != nil {
		return nil, notFound(err, "variant assignment", contactId+"/"+flowId)
	}
	return &assignment, nil
}

func (s *Storage) InsertAssignmentIfAbsent(ctx context.Context, assignment *model.VariantAssignment) (*model.VariantAssignment, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(assignment).Error
	if err != nil {
		return nil, wrap("insert variant assignment", err)
	}
	return s.GetAssignment(ctx, assignment.OrganizationId, assignment.ContactId, assignment.FlowId)
}
