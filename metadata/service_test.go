package metadata_test

import (
	"context"
	"testing"

	"github.com/mohitkumar/engage/action"
	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/metadata"
	"github.com/mohitkumar/engage/model"
	"github.com/mohitkumar/engage/testutil"
	"github.com/stretchr/testify/require"
)

func welcome() *model.FlowDefinition {
	return &model.FlowDefinition{
		OrganizationId: "org-1",
		Name:           "welcome",
		Nodes: []model.Node{
			{Id: "hi", Type: model.NODE_TYPE_MESSAGE, Payload: map[string]any{"text": "hi {$.name}"}},
			{Id: "mark", Type: model.NODE_TYPE_ACTION, Payload: map[string]any{"name": "set_variable", "params": map[string]any{"name": "greeted", "value": true}}},
			{Id: "done", Type: model.NODE_TYPE_END},
		},
		Edges: []model.Edge{{Source: "hi", Target: "mark"}, {Source: "mark", Target: "done"}},
	}
}

func variant(flowId string, weight int) *model.FlowVariant {
	return &model.FlowVariant{
		OrganizationId: "org-1",
		FlowId:         flowId,
		Name:           "short",
		Weight:         weight,
		Nodes: []model.Node{
			{Id: "hey", Type: model.NODE_TYPE_MESSAGE, Payload: map[string]any{"text": "hey"}},
			{Id: "done", Type: model.NODE_TYPE_END},
		},
		Edges: []model.Edge{{Source: "hey", Target: "done"}},
	}
}

func TestMetadataService(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, svc metadata.MetadataService){
		"create flow assigns id and version": testCreateFlow,
		"create flow rejects invalid graphs": testCreateFlowInvalid,
		"update graph bumps version":         testUpdateGraph,
		"variants respect total weight":      testVariantWeights,
		"variant needs an existing flow":     testVariantUnknownFlow,
		"flow activation":                    testFlowActivation,
	} {
		t.Run(scenario, func(t *testing.T) {
			registry := action.NewDefaultRegistry(nil, nil)
			fn(t, metadata.NewMetadataService(testutil.Storage(t), registry.Validate))
		})
	}
}

func testCreateFlow(t *testing.T, svc metadata.MetadataService) {
	ctx := context.Background()
	def := welcome()
	require.NoError(t, svc.CreateFlow(ctx, def))
	require.NotEmpty(t, def.Id)

	stored, err := svc.GetFlow(ctx, "org-1", def.Id)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Version)
	require.True(t, stored.Active)
	require.Len(t, stored.Nodes, 3)

	_, err = svc.GetFlow(ctx, "org-2", def.Id)
	require.True(t, api.IsNotFound(err))
}

func testCreateFlowInvalid(t *testing.T, svc metadata.MetadataService) {
	ctx := context.Background()

	def := welcome()
	def.Name = ""
	require.True(t, api.IsValidation(svc.CreateFlow(ctx, def)))

	def = welcome()
	def.Nodes[1].Payload = map[string]any{"name": "webhook"}
	err := svc.CreateFlow(ctx, def)
	var fe api.FlowDefinitionError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "mark", fe.NodeId)

	def = welcome()
	def.Edges = append(def.Edges, model.Edge{Source: "hi", Target: "done", Guard: "vars.x >"})
	require.True(t, api.IsValidation(svc.CreateFlow(ctx, def)))
}

func testUpdateGraph(t *testing.T, svc metadata.MetadataService) {
	ctx := context.Background()
	def := welcome()
	require.NoError(t, svc.CreateFlow(ctx, def))

	_, err := svc.UpdateFlowGraph(ctx, "org-1", def.Id, "x", []model.Node{{Id: "y", Type: model.NODE_TYPE_END}}, nil)
	require.True(t, api.IsValidation(err))

	updated, err := svc.UpdateFlowGraph(ctx, "org-1", def.Id, "x", []model.Node{{Id: "x", Type: model.NODE_TYPE_END}}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	rev, err := svc.GetMetadataStorage().GetRevision(ctx, def.Id, 1)
	require.NoError(t, err)
	require.Equal(t, "hi", rev.Nodes[0].Id)
}

func testVariantWeights(t *testing.T, svc metadata.MetadataService) {
	ctx := context.Background()
	def := welcome()
	require.NoError(t, svc.CreateFlow(ctx, def))

	a := variant(def.Id, 60)
	require.NoError(t, svc.CreateVariant(ctx, a))
	require.True(t, api.IsValidation(svc.CreateVariant(ctx, variant(def.Id, 50))))
	require.True(t, api.IsValidation(svc.CreateVariant(ctx, variant(def.Id, 120))))
	require.NoError(t, svc.CreateVariant(ctx, variant(def.Id, 40)))

	require.NoError(t, svc.SetVariantActive(ctx, "org-1", a.Id, false))
	b := variant(def.Id, 50)
	require.NoError(t, svc.CreateVariant(ctx, b))
	require.True(t, api.IsValidation(svc.SetVariantActive(ctx, "org-1", a.Id, true)))

	variants, err := svc.ListVariants(ctx, "org-1", def.Id)
	require.NoError(t, err)
	require.Len(t, variants, 3)

	broken := variant(def.Id, 5)
	broken.Edges = nil
	require.True(t, api.IsValidation(svc.CreateVariant(ctx, broken)))
}

func testVariantUnknownFlow(t *testing.T, svc metadata.MetadataService) {
	err := svc.CreateVariant(context.Background(), variant("missing", 10))
	require.True(t, api.IsNotFound(err))
}

func testFlowActivation(t *testing.T, svc metadata.MetadataService) {
	ctx := context.Background()
	def := welcome()
	require.NoError(t, svc.CreateFlow(ctx, def))
	require.NoError(t, svc.SetFlowActive(ctx, "org-1", def.Id, false))

	stored, err := svc.GetFlow(ctx, "org-1", def.Id)
	require.NoError(t, err)
	require.False(t, stored.Active)

	require.True(t, api.IsNotFound(svc.SetFlowActive(ctx, "org-1", "missing", true)))
}
