package persistence

import (
	"context"
	"time"

	"github.com/mohitkumar/engage/model"
)

type FlowDao interface {
	// CreateFlow stores a flow together with its first revision.
	CreateFlow(ctx context.Context, flow *model.FlowDefinition) error
	GetFlow(ctx context.Context, organizationId string, flowId string) (*model.FlowDefinition, error)
	GetRevision(ctx context.Context, flowId string, version int) (*model.FlowRevision, error)
	// UpdateGraph replaces the base graph, bumps the version and keeps the old
	// graph readable as a revision.
	UpdateGraph(ctx context.Context, organizationId string, flowId string, startNodeId string, nodes []model.Node, edges []model.Edge) (*model.FlowDefinition, error)
	SetFlowActive(ctx context.Context, organizationId string, flowId string, active bool) error
}

type VariantDao interface {
	CreateVariant(ctx context.Context, variant *model.FlowVariant) error
	GetVariant(ctx context.Context, organizationId string, variantId string) (*model.FlowVariant, error)
	// ListVariants returns variants of a flow slot ordered by position then id.
	ListVariants(ctx context.Context, organizationId string, flowId string, activeOnly bool) ([]*model.FlowVariant, error)
	SetVariantActive(ctx context.Context, organizationId string, variantId string, active bool) error
	DeactivateVariants(ctx context.Context, organizationId string, flowId string) (int64, error)
}

type ContactStateDao interface {
	GetState(ctx context.Context, organizationId string, contactId string, flowId string) (*model.ContactFlowState, error)
	// CreateState fails with a ConcurrencyConflictError if the (contact, flow)
	// row already exists.
	CreateState(ctx context.Context, state *model.ContactFlowState) error
	// UpdateState writes state only if the stored revision still equals
	// expectedRevision; state.Revision must already carry the new value.
	UpdateState(ctx context.Context, state *model.ContactFlowState, expectedRevision int64) error
	ListDueDelays(ctx context.Context, now time.Time, limit int) ([]*model.ContactFlowState, error)
	ListStaleAwaiting(ctx context.Context, enteredBefore time.Time, limit int) ([]*model.ContactFlowState, error)
}

type AssignmentDao interface {
	GetAssignment(ctx context.Context, organizationId string, contactId string, flowId string) (*model.VariantAssignment, error)
	// InsertAssignmentIfAbsent is an idempotent insert keyed on (organization,
	// contact, flow). It returns the row that is stored after the call, which
	// is the caller's only when it won the race.
	InsertAssignmentIfAbsent(ctx context.Context, assignment *model.VariantAssignment) (*model.VariantAssignment, error)
}

type DispatchJobDao interface {
	CreateJobs(ctx context.Context, jobs []*model.DispatchJob) error
	GetJob(ctx context.Context, jobId string) (*model.DispatchJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.DispatchJob, error)
	DueChannels(ctx context.Context, now time.Time) ([]string, error)
	NextDueJob(ctx context.Context, channelId string, now time.Time) (*model.DispatchJob, error)
	// DeferDue moves every due pending job of a channel to until.
	DeferDue(ctx context.Context, channelId string, now time.Time, until time.Time) (int64, error)
	CountSentSince(ctx context.Context, channelId string, since time.Time) (int64, error)
	MarkSent(ctx context.Context, jobId string, providerMessageId string, sentAt time.Time) error
	Reschedule(ctx context.Context, jobId string, retryCount int, scheduledAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, jobId string, retryCount int, lastError string) error
	PurgeTerminal(ctx context.Context, updatedBefore time.Time) (int64, error)
}

type JourneyDao interface {
	CreateJourney(ctx context.Context, journey *model.JourneyRecord) error
	GetJourney(ctx context.Context, journeyId string) (*model.JourneyRecord, error)
	SaveJourney(ctx context.Context, journey *model.JourneyRecord) error
	ListJourneys(ctx context.Context, organizationId string, flowId string, contactId string) ([]*model.JourneyRecord, error)
	VariantOutcomes(ctx context.Context, organizationId string, flowId string) ([]VariantOutcome, error)
}

type NodeEventDao interface {
	AppendNodeEvents(ctx context.Context, events []*model.NodeEvent) error
	ListNodeEvents(ctx context.Context, organizationId string, flowId string, contactId string) ([]*model.NodeEvent, error)
	NodeEventCounts(ctx context.Context, organizationId string, flowId string, variantId string) ([]NodeEventCount, error)
}

// Storage is the relational store. Everything passed to Transaction runs in a
// single database transaction through the Storage it receives.
type Storage interface {
	FlowDao
	VariantDao
	ContactStateDao
	AssignmentDao
	DispatchJobDao
	JourneyDao
	NodeEventDao
	Transaction(ctx context.Context, fn func(tx Storage) error) error
	Close() error
}

type JobFilter struct {
	OrganizationId string
	ChannelId      string
	ContactId      string
	Status         model.DispatchStatus
}

type VariantOutcome struct {
	VariantId       string
	Journeys        int64
	Completed       int64
	Abandoned       int64
	ConversionValue float64
}

type NodeEventCount struct {
	NodeId string
	Action model.NodeAction
	Count  int64
}
