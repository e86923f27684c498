package graph

import (
	"github.com/onnxpass/onnxpass/internal/onnx"
)

// Model wraps a ModelProto with the indexing and lookup utilities the
// rewriting passes share. Indexes are built on demand from the live node
// lists; after graph surgery callers must rebuild them, holding a stale
// index across a mutation is a defect.
type Model struct {
	Proto *onnx.ModelProto
}

// NewModel wraps a parsed model.
func NewModel(proto *onnx.ModelProto) *Model {
	return &Model{Proto: proto}
}

// MainGraph returns the top-level graph.
func (m *Model) MainGraph() *onnx.GraphProto {
	return m.Proto.Graph
}

// Graphs returns the main graph plus every nested sub-graph reachable
// through node attributes, in depth-first order.
func (m *Model) Graphs() []*onnx.GraphProto {
	if m.Proto.Graph == nil {
		return nil
	}
	var out []*onnx.GraphProto
	var walk func(g *onnx.GraphProto)
	walk = func(g *onnx.GraphProto) {
		out = append(out, g)
		for _, n := range g.Nodes {
			for _, a := range n.Attributes {
				if a.G != nil {
					walk(a.G)
				}
				for _, sub := range a.Graphs {
					walk(sub)
				}
			}
		}
	}
	walk(m.Proto.Graph)
	return out
}

// Nodes returns every node across all graphs, in graph order.
func (m *Model) Nodes() []*onnx.NodeProto {
	var out []*onnx.NodeProto
	for _, g := range m.Graphs() {
		out = append(out, g.Nodes...)
	}
	return out
}

// GraphOf returns the graph owning the given node, or nil.
func (m *Model) GraphOf(node *onnx.NodeProto) *onnx.GraphProto {
	for _, g := range m.Graphs() {
		for _, n := range g.Nodes {
			if n == node {
				return g
			}
		}
	}
	return nil
}

// InputNameToNodes builds the tensor name -> consumer nodes index.
func (m *Model) InputNameToNodes() map[string][]*onnx.NodeProto {
	index := make(map[string][]*onnx.NodeProto)
	for _, node := range m.Nodes() {
		for _, name := range node.Inputs {
			if name == "" {
				// Absent optional slot.
				continue
			}
			index[name] = append(index[name], node)
		}
	}
	return index
}

// OutputNameToNode builds the tensor name -> producer node index.
func (m *Model) OutputNameToNode() map[string]*onnx.NodeProto {
	index := make(map[string]*onnx.NodeProto)
	for _, node := range m.Nodes() {
		for _, name := range node.Outputs {
			if name == "" {
				continue
			}
			index[name] = node
		}
	}
	return index
}

// GetInitializer returns the constant tensor with the given name, searching
// all graph scopes, or nil.
func (m *Model) GetInitializer(name string) *onnx.TensorProto {
	for _, g := range m.Graphs() {
		for _, t := range g.Initializers {
			if t.Name == name {
				return t
			}
		}
	}
	return nil
}

// IsGraphOutput reports whether the name is a top-level graph output.
func (m *Model) IsGraphOutput(name string) bool {
	if m.Proto.Graph == nil {
		return false
	}
	for _, out := range m.Proto.Graph.Outputs {
		if out.Name == name {
			return true
		}
	}
	return false
}

// AddNode appends a node to the main graph.
func (m *Model) AddNode(node *onnx.NodeProto) {
	m.Proto.Graph.Nodes = append(m.Proto.Graph.Nodes, node)
}

// AddNodeToGraph appends a node to the given graph scope.
func (m *Model) AddNodeToGraph(g *onnx.GraphProto, node *onnx.NodeProto) {
	g.Nodes = append(g.Nodes, node)
}

// RemoveNodes deletes the given nodes from whichever graphs own them.
// Removal is snapshot-then-filter: each node list is rebuilt in one pass
// rather than mutated during iteration.
func (m *Model) RemoveNodes(nodes []*onnx.NodeProto) {
	doomed := make(map[*onnx.NodeProto]struct{}, len(nodes))
	for _, n := range nodes {
		doomed[n] = struct{}{}
	}
	for _, g := range m.Graphs() {
		kept := g.Nodes[:0:0]
		for _, n := range g.Nodes {
			if _, ok := doomed[n]; !ok {
				kept = append(kept, n)
			}
		}
		g.Nodes = kept
	}
}
