package relational_test

import (
	"context"
	"sync"
	"testing"
	"time"

	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/persistence"
	"github.com/mohitkumar/engage/persistence/relational"
	"github.com/mohitkumar/engage/testutil"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, store *relational.Storage,
	){
		"flow graph update keeps revisions":     testFlowRevisions,
		"variant weights capped at 100":         testVariantWeights,
		"state update is optimistic":            testStateRevision,
		"assignment insert is idempotent":       testAssignmentIfAbsent,
		"due jobs ordered per channel":          testDueJobs,
		"terminal jobs are never revived":       testTerminalJob,
		"purge removes old terminal jobs":       testPurge,
		"transaction rolls back on error":       testTransactionRollback,
		"variant outcomes aggregate by variant": testVariantOutcomes,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, testutil.Storage(t))
		})
	}
}

func baseFlow() *model.FlowDefinition {
	return &model.FlowDefinition{
		Id:             "flow-1",
		OrganizationId: "org-1",
		Name:           "welcome",
		Active:         true,
		StartNodeId:    "a",
		Nodes: []model.Node{
			{Id: "a", Type: model.NODE_TYPE_MESSAGE, Payload: map[string]any{"text": "hi"}},
			{Id: "b", Type: model.NODE_TYPE_END},
		},
		Edges: []model.Edge{{Source: "a", Target: "b"}},
	}
}

func testFlowRevisions(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	require.NoError(t, store.CreateFlow(ctx, baseFlow()))

	updated, err := store.UpdateGraph(ctx, "org-1", "flow-1", "x",
		[]model.Node{{Id: "x", Type: model.NODE_TYPE_END}}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)
	require.Equal(t, "x", updated.StartNodeId)

	rev1, err := store.GetRevision(ctx, "flow-1", 1)
	require.NoError(t, err)
	require.Equal(t, "a", rev1.StartNodeId)
	require.Len(t, rev1.Nodes, 2)

	rev2, err := store.GetRevision(ctx, "flow-1", 2)
	require.NoError(t, err)
	require.Len(t, rev2.Nodes, 1)

	_, err = store.GetFlow(ctx, "org-2", "flow-1")
	require.True(t, api.IsNotFound(err))
}

func testVariantWeights(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	require.NoError(t, store.CreateFlow(ctx, baseFlow()))

	require.NoError(t, store.CreateVariant(ctx, &model.FlowVariant{
		Id: "v1", OrganizationId: "org-1", FlowId: "flow-1", Weight: 60, Active: true, Position: 1,
	}))
	err := store.CreateVariant(ctx, &model.FlowVariant{
		Id: "v2", OrganizationId: "org-1", FlowId: "flow-1", Weight: 50, Active: true, Position: 0,
	})
	require.True(t, api.IsValidation(err))

	require.NoError(t, store.CreateVariant(ctx, &model.FlowVariant{
		Id: "v2", OrganizationId: "org-1", FlowId: "flow-1", Weight: 40, Active: true, Position: 0,
	}))

	variants, err := store.ListVariants(ctx, "org-1", "flow-1", true)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	require.Equal(t, "v2", variants[0].Id)

	n, err := store.DeactivateVariants(ctx, "org-1", "flow-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	variants, err = store.ListVariants(ctx, "org-1", "flow-1", true)
	require.NoError(t, err)
	require.Empty(t, variants)
}

func testStateRevision(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()
	state := &model.ContactFlowState{
		Id: "s1", OrganizationId: "org-1", ContactId: "c1", FlowId: "flow-1",
		CurrentNodeId: "a", Variables: map[string]any{"name": "ann"},
		LastInteraction: now, StartedAt: now, Revision: 1,
	}
	require.NoError(t, store.CreateState(ctx, state))

	dup := *state
	dup.Id = "s2"
	require.True(t, api.IsConflict(store.CreateState(ctx, &dup)))

	loaded, err := store.GetState(ctx, "org-1", "c1", "flow-1")
	require.NoError(t, err)
	require.Equal(t, "ann", loaded.Variables["name"])

	loaded.CurrentNodeId = "b"
	loaded.Revision = 2
	require.NoError(t, store.UpdateState(ctx, loaded, 1))

	stale := *state
	stale.CurrentNodeId = "z"
	stale.Revision = 2
	require.True(t, api.IsConflict(store.UpdateState(ctx, &stale, 1)))

	loaded, err = store.GetState(ctx, "org-1", "c1", "flow-1")
	require.NoError(t, err)
	require.Equal(t, "b", loaded.CurrentNodeId)
	require.EqualValues(t, 2, loaded.Revision)
}

func testAssignmentIfAbsent(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			variant := "v-a"
			if i%2 == 1 {
				variant = "v-b"
			}
			stored, err := store.InsertAssignmentIfAbsent(ctx, &model.VariantAssignment{
				OrganizationId: "org-1", ContactId: "c1", FlowId: "flow-1",
				VariantId: variant, AssignedAt: time.Now().UTC(),
			})
			if err == nil {
				results[i] = stored.VariantId
			}
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Equal(t, results[0], r)
	}
	require.NotEmpty(t, results[0])
}

func testDueJobs(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	jobs := []*model.DispatchJob{
		{Id: "j2", OrganizationId: "org-1", ChannelId: "ch-1", ContactId: "c1", Status: model.DISPATCH_PENDING, ScheduledAt: now.Add(-time.Minute)},
		{Id: "j1", OrganizationId: "org-1", ChannelId: "ch-1", ContactId: "c1", Status: model.DISPATCH_PENDING, ScheduledAt: now.Add(-2 * time.Minute)},
		{Id: "j3", OrganizationId: "org-1", ChannelId: "ch-2", ContactId: "c2", Status: model.DISPATCH_PENDING, ScheduledAt: now.Add(time.Hour)},
	}
	require.NoError(t, store.CreateJobs(ctx, jobs))

	channels, err := store.DueChannels(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{"ch-1"}, channels)

	job, err := store.NextDueJob(ctx, "ch-1", now)
	require.NoError(t, err)
	require.Equal(t, "j1", job.Id)

	require.NoError(t, store.MarkSent(ctx, "j1", "wamid-1", now))
	count, err := store.CountSentSince(ctx, "ch-1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	n, err := store.DeferDue(ctx, "ch-1", now, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = store.NextDueJob(ctx, "ch-1", now)
	require.True(t, api.IsNotFound(err))
}

func testTerminalJob(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateJobs(ctx, []*model.DispatchJob{
		{Id: "j1", OrganizationId: "org-1", ChannelId: "ch-1", ContactId: "c1", Status: model.DISPATCH_PENDING, ScheduledAt: now},
	}))
	require.NoError(t, store.MarkFailed(ctx, "j1", 5, "boom"))
	require.True(t, api.IsConflict(store.Reschedule(ctx, "j1", 6, now, "again")))
	require.True(t, api.IsConflict(store.MarkSent(ctx, "j1", "x", now)))

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.DISPATCH_FAILED, job.Status)
	require.Equal(t, 5, job.RetryCount)
}

func testPurge(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateJobs(ctx, []*model.DispatchJob{
		{Id: "sent", OrganizationId: "org-1", ChannelId: "ch-1", ContactId: "c1", Status: model.DISPATCH_PENDING, ScheduledAt: now},
		{Id: "pending", OrganizationId: "org-1", ChannelId: "ch-1", ContactId: "c1", Status: model.DISPATCH_PENDING, ScheduledAt: now},
	}))
	require.NoError(t, store.MarkSent(ctx, "sent", "p", now))

	n, err := store.PurgeTerminal(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	n, err = store.PurgeTerminal(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	remaining, err := store.ListJobs(ctx, persistence.JobFilter{ChannelId: "ch-1"})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "pending", remaining[0].Id)
}

func testTransactionRollback(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	err := store.Transaction(ctx, func(tx persistence.Storage) error {
		if err := tx.CreateFlow(ctx, baseFlow()); err != nil {
			return err
		}
		return api.ValidationError{Field: "x", Message: "abort"}
	})
	require.True(t, api.IsValidation(err))

	_, err = store.GetFlow(ctx, "org-1", "flow-1")
	require.True(t, api.IsNotFound(err))
}

func testVariantOutcomes(t *testing.T, store *relational.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()
	statuses := []model.JourneyStatus{model.JOURNEY_COMPLETED, model.JOURNEY_COMPLETED, model.JOURNEY_ABANDONED, model.JOURNEY_IN_PROGRESS}
	for i, status := range statuses {
		require.NoError(t, store.CreateJourney(ctx, &model.JourneyRecord{
			Id: "j" + string(rune('a'+i)), OrganizationId: "org-1", FlowId: "flow-1", VariantId: "v1",
			ContactId: "c", Status: status, StartedAt: now, ConversionValue: 2.5,
		}))
	}
	outcomes, err := store.VariantOutcomes(ctx, "org-1", "flow-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "v1", outcomes[0].VariantId)
	require.EqualValues(t, 4, outcomes[0].Journeys)
	require.EqualValues(t, 2, outcomes[0].Completed)
	require.EqualValues(t, 1, outcomes[0].Abandoned)
	require.InDelta(t, 10.0, outcomes[0].ConversionValue, 0.0001)
}
