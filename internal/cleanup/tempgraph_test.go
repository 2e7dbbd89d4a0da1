package cleanup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

func TestToTempSubgraphProjectsNodesAndEdges(t *testing.T) {
	alice := typeid.New(typeid.PrefixNode)
	bob := typeid.New(typeid.PrefixNode)
	sg := &Subgraph{
		Nodes: []SubgraphNode{
			{NodeId: alice, Type: models.NodeTypePerson, Label: "Alice", Description: "a friend"},
			{NodeId: bob, Type: models.NodeTypePerson, Label: "Bob", Description: "a coworker"},
		},
		Edges: []SubgraphEdge{
			{SourceId: alice, TargetId: bob, Type: models.EdgeRelatedTo, Description: "knows"},
		},
	}

	tempSg, mapper := ToTempSubgraph(sg)

	require.Len(t, tempSg.Nodes, 2)
	require.Len(t, tempSg.Edges, 1)

	aliceTemp, ok := mapper.TempIdFor(alice)
	require.True(t, ok)
	bobTemp, ok := mapper.TempIdFor(bob)
	require.True(t, ok)

	assert.Equal(t, aliceTemp, tempSg.Edges[0].SourceTemp)
	assert.Equal(t, bobTemp, tempSg.Edges[0].TargetTemp)

	resolvedAlice, ok := mapper.Resolve(aliceTemp)
	require.True(t, ok)
	assert.Equal(t, alice, resolvedAlice)
}

func TestToTempSubgraphDropsEdgesWithUnknownEndpoints(t *testing.T) {
	alice := typeid.New(typeid.PrefixNode)
	stranger := typeid.New(typeid.PrefixNode)
	sg := &Subgraph{
		Nodes: []SubgraphNode{
			{NodeId: alice, Type: models.NodeTypePerson, Label: "Alice"},
		},
		Edges: []SubgraphEdge{
			{SourceId: alice, TargetId: stranger, Type: models.EdgeRelatedTo},
		},
	}

	tempSg, _ := ToTempSubgraph(sg)
	assert.Len(t, tempSg.Nodes, 1)
	assert.Empty(t, tempSg.Edges, "an edge referencing a node outside the subgraph must be dropped")
}

func TestFormatTempSubgraphIncludesNodesAndEdges(t *testing.T) {
	tempSg := &TempSubgraph{
		Nodes: []TempNode{{TempId: "temp_node_1", Type: "Person", Label: "Alice", Description: "a friend"}},
		Edges: []TempEdge{{SourceTemp: "temp_node_1", TargetTemp: "temp_node_1", Type: "RELATED_TO", Description: "self"}},
	}
	out := formatTempSubgraph(tempSg)
	assert.Contains(t, out, "temp_node_1")
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "RELATED_TO")
}
