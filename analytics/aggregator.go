package analytics

import (
	"context"
	"fmt"
	"sort"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/flow"
	"github.com/mohitkumar/engage/logger"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence"
	"github.com/mohitkumar/engage/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type VariantStat struct {
	VariantId       string
	Journeys        int64
	Completed       int64
	Abandoned       int64
	InProgress      int64
	ConversionRate  float64
	ConversionValue float64
}

type NodeFunnel struct {
	NodeId      string
	Entered     int64
	Completed   int64
	DroppedOff  int64
	Skipped     int64
	DropOffRate float64
}

type Aggregator struct {
	store     persistence.Storage
	collector DataCollector
}

func NewAggregator(store persistence.Storage, collector DataCollector) *Aggregator {
	if collector == nil {
		collector = noopCollector{}
	}
	return &Aggregator{
		store:     store,
		collector: collector,
	}
}

// RecordNodeEvents appends node events through tx so they commit with the
// state transition that produced them.
func (a *Aggregator) RecordNodeEvents(ctx context.Context, tx persistence.Storage, events []*model.NodeEvent) error {
	return tx.AppendNodeEvents(ctx, events)
}

// RecordJourneyTransition creates the journey when previous is empty and
// otherwise saves it. A journey that already finished can not change status.
func (a *Aggregator) RecordJourneyTransition(ctx context.Context, tx persistence.Storage, previous model.JourneyStatus, journey *model.JourneyRecord) error {
	if previous == "" {
		return tx.CreateJourney(ctx, journey)
	}
	if previous != model.JOURNEY_IN_PROGRESS && previous != journey.Status {
		return api.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("journey %s can not move from %s to %s", journey.Id, previous, journey.Status),
		}
	}
	return tx.SaveJourney(ctx, journey)
}

// Publish mirrors committed facts to the data collector.
func (a *Aggregator) Publish(events []*model.NodeEvent, journeys []*model.JourneyRecord) {
	for _, e := range events {
		a.collector.RecordNodeEvent(e)
	}
	for _, j := range journeys {
		a.collector.RecordJourney(j)
	}
}

func (a *Aggregator) VariantStats(ctx context.Context, organizationId string, flowId string) ([]VariantStat, error) {
	outcomes, err := a.store.VariantOutcomes(ctx, organizationId, flowId)
	if err != nil {
		return nil, err
	}
	stats := make([]VariantStat, 0, len(outcomes))
	for _, o := range outcomes {
		stat := VariantStat{
			VariantId:       o.VariantId,
			Journeys:        o.Journeys,
			Completed:       o.Completed,
			Abandoned:       o.Abandoned,
			InProgress:      o.Journeys - o.Completed - o.Abandoned,
			ConversionValue: o.ConversionValue,
		}
		if o.Journeys > 0 {
			stat.ConversionRate = float64(o.Completed) / float64(o.Journeys)
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// CompareVariant tests a variant's completion rate against the base flow.
func (a *Aggregator) CompareVariant(ctx context.Context, organizationId string, flowId string, variantId string) (Significance, error) {
	stats, err := a.VariantStats(ctx, organizationId, flowId)
	if err != nil {
		return Significance{}, err
	}
	var control, variant Sample
	for _, s := range stats {
		switch s.VariantId {
		case "":
			control = Sample{Trials: s.Journeys, Successes: s.Completed}
		case variantId:
			variant = Sample{Trials: s.Journeys, Successes: s.Completed}
		}
	}
	return ComputeSignificance(control, variant), nil
}

func (a *Aggregator) DropOff(ctx context.Context, organizationId string, flowId string, variantId string) ([]NodeFunnel, error) {
	counts, err := a.store.NodeEventCounts(ctx, organizationId, flowId, variantId)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]*NodeFunnel)
	for _, c := range counts {
		f, ok := byNode[c.NodeId]
		if !ok {
			f = &NodeFunnel{NodeId: c.NodeId}
			byNode[c.NodeId] = f
		}
		switch c.Action {
		case model.NODE_ENTERED:
			f.Entered += c.Count
		case model.NODE_COMPLETED:
			f.Completed += c.Count
		case model.NODE_DROPPED_OFF:
			f.DroppedOff += c.Count
		case model.NODE_SKIPPED:
			f.Skipped += c.Count
		}
	}
	out := make([]NodeFunnel, 0, len(byNode))
	for _, f := range byNode {
		if f.Entered > 0 {
			f.DropOffRate = float64(f.DroppedOff) / float64(f.Entered)
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeId < out[j].NodeId })
	return out, nil
}

// PromoteWinner copies a variant's graph into the base flow as a new version
// and deactivates every variant of the slot, in one transaction. Contacts
// already bound to a variant keep running it.
func (a *Aggregator) PromoteWinner(ctx context.Context, organizationId string, flowId string, variantId string) (def *model.FlowDefinition, err error) {
	ctx, span := tracing.StartSpan(ctx, "analytics.PromoteWinner",
		attribute.String("flow", flowId), attribute.String("variant", variantId))
	defer func() { span.End(err) }()

	err = a.store.Transaction(ctx, func(tx persistence.Storage) error {
		variant, err := tx.GetVariant(ctx, organizationId, variantId)
		if err != nil {
			return err
		}
		if variant.FlowId != flowId {
			return api.ValidationError{Field: "variantId", Message: fmt.Sprintf("variant %s does not belong to flow %s", variantId, flowId)}
		}
		if _, err := flow.Compile(flow.FromVariant(variant)); err != nil {
			return err
		}
		def, err = tx.UpdateGraph(ctx, organizationId, flowId, variant.StartNodeId, variant.Nodes, variant.Edges)
		if err != nil {
			return err
		}
		_, err = tx.DeactivateVariants(ctx, organizationId, flowId)
		return err
	})
	if err != nil {
		logger.Error("promotion failed", zap.String("flow", flowId), zap.String("variant", variantId), zap.Error(err))
		return nil, err
	}
	logger.Info("variant promoted", zap.String("flow", flowId), zap.String("variant", variantId), zap.Int("version", def.Version))
	return def, nil
}
