package cleanup

import (
	"fmt"

	"github.com/brightloom-ai/episodic/internal/extraction"
)

// TempNode and TempEdge are the wire-shape presented to the cleanup LLM;
// every id is a "temp_node_<n>" token minted fresh per subgraph.
type TempNode struct {
	TempId      string `json:"tempId"`
	Type        string `json:"type"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type TempEdge struct {
	SourceTemp  string `json:"sourceTemp"`
	TargetTemp  string `json:"targetTemp"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type TempSubgraph struct {
	Nodes []TempNode
	Edges []TempEdge
}

// ToTempSubgraph projects a Subgraph through a fresh Temporary-ID Mapper,
// giving every node an id of the form "temp_node_<n>".
func ToTempSubgraph(sg *Subgraph) (*TempSubgraph, *extraction.Mapper) {
	mapper := extraction.NewMapper()
	nodeTempIds := make(map[string]string, len(sg.Nodes))

	out := &TempSubgraph{Nodes: make([]TempNode, 0, len(sg.Nodes)), Edges: make([]TempEdge, 0, len(sg.Edges))}
	for _, n := range sg.Nodes {
		tempId := mapper.RegisterNew("node")
		if err := mapper.Bind(tempId, n.NodeId); err != nil {
			// Bind only fails on a conflicting rebind of the same tempId,
			// which RegisterNew never produces (each call mints a fresh one).
			continue
		}
		nodeTempIds[n.NodeId.String()] = tempId
		out.Nodes = append(out.Nodes, TempNode{TempId: tempId, Type: string(n.Type), Label: n.Label, Description: n.Description})
	}

	for _, e := range sg.Edges {
		srcTemp, srcOk := nodeTempIds[e.SourceId.String()]
		tgtTemp, tgtOk := nodeTempIds[e.TargetId.String()]
		if !srcOk || !tgtOk {
			continue
		}
		out.Edges = append(out.Edges, TempEdge{SourceTemp: srcTemp, TargetTemp: tgtTemp, Type: string(e.Type), Description: e.Description})
	}
	return out, mapper
}

func formatTempSubgraph(sg *TempSubgraph) string {
	s := "Nodes:\n"
	for _, n := range sg.Nodes {
		s += fmt.Sprintf("- %s (%s) %q: %s\n", n.TempId, n.Type, n.Label, n.Description)
	}
	s += "\nEdges:\n"
	for _, e := range sg.Edges {
		s += fmt.Sprintf("- %s -[%s]-> %s: %s\n", e.SourceTemp, e.Type, e.TargetTemp, e.Description)
	}
	return s
}
