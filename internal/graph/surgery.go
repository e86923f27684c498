package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/onnxpass/onnxpass/internal/onnx"
)

// CreateNodeName synthesizes a unique node name from the given prefix and a
// positional counter: prefix_0, prefix_1, ... The counter continues past the
// highest suffix already present, so repeated runs over the same model
// produce the same names.
func (m *Model) CreateNodeName(prefix string) string {
	next := 0
	for _, node := range m.Nodes() {
		rest, ok := strings.CutPrefix(node.Name, prefix+"_")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s_%d", prefix, next)
}

// IsSafeToFuse reports whether removing the given nodes and keeping only
// keepOutputs alive can change the result for any other consumer. It is
// false when an interior output feeds a node outside the matched set or is
// itself a graph output.
func (m *Model) IsSafeToFuse(
	nodesToRemove []*onnx.NodeProto,
	keepOutputs []string,
	inputNameToNodes map[string][]*onnx.NodeProto,
) bool {
	matched := make(map[*onnx.NodeProto]struct{}, len(nodesToRemove))
	for _, n := range nodesToRemove {
		matched[n] = struct{}{}
	}
	kept := make(map[string]struct{}, len(keepOutputs))
	for _, name := range keepOutputs {
		kept[name] = struct{}{}
	}

	for _, node := range nodesToRemove {
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			if _, keep := kept[output]; keep {
				continue
			}
			if m.IsGraphOutput(output) {
				return false
			}
			for _, consumer := range inputNameToNodes[output] {
				if _, inside := matched[consumer]; !inside {
					return false
				}
			}
		}
	}
	return true
}

// TopologicalSort reorders the nodes of every graph scope so each producer
// precedes its consumers. Already-sorted graphs come back unchanged.
func (m *Model) TopologicalSort() {
	for _, g := range m.Graphs() {
		sortGraph(g)
	}
}

func sortGraph(g *onnx.GraphProto) {
	outputToNode := make(map[string]int)
	for i, node := range g.Nodes {
		for _, output := range node.Outputs {
			outputToNode[output] = i
		}
	}

	visited := make([]bool, len(g.Nodes))
	result := make([]*onnx.NodeProto, 0, len(g.Nodes))

	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true

		// Visit dependencies first.
		for _, input := range g.Nodes[i].Inputs {
			if depIdx, ok := outputToNode[input]; ok {
				visit(depIdx)
			}
		}

		result = append(result, g.Nodes[i])
	}

	for i := range g.Nodes {
		visit(i)
	}

	g.Nodes = result
}
