package fusion

import (
	"github.com/sirupsen/logrus"

	"github.com/onnxpass/onnxpass/internal/graph"
	"github.com/onnxpass/onnxpass/internal/onnx"
)

// VendorDomain tags fused nodes with the custom operator domain downstream
// runtimes recognize contrib operators by.
const VendorDomain = "com.microsoft"

// matcher is implemented by each concrete pattern. fuse attempts a fusion
// anchored at the given pivot node and reports whether it committed one.
type matcher interface {
	fuse(pivot *onnx.NodeProto, inputNameToNodes map[string][]*onnx.NodeProto, outputNameToNode map[string]*onnx.NodeProto) bool
}

// Fusion carries the mechanics every pattern fusion shares: the pivot scan,
// greedy non-overlap bookkeeping and the deferred graph surgery.
type Fusion struct {
	model        *graph.Model
	fusedOpType  string
	searchOpType string

	nodesToRemove []*onnx.NodeProto
	nodesToAdd    []*onnx.NodeProto
	nodeToScope   map[*onnx.NodeProto]*onnx.GraphProto
	consumed      map[*onnx.NodeProto]struct{}
	fusedCount    int
}

func newFusion(model *graph.Model, fusedOpType, searchOpType string) Fusion {
	return Fusion{
		model:        model,
		fusedOpType:  fusedOpType,
		searchOpType: searchOpType,
		nodeToScope:  make(map[*onnx.NodeProto]*onnx.GraphProto),
		consumed:     make(map[*onnx.NodeProto]struct{}),
	}
}

// apply scans every pivot of the search operator type, attempts a fusion at
// each, then commits all matches in one surgery step: matched nodes removed,
// fused nodes appended under their recorded graph scope, node order
// restored. Matches are greedily non-overlapping; a node consumed by one
// committed fusion is never part of another in the same pass.
func (f *Fusion) apply(m matcher) int {
	inputNameToNodes := f.model.InputNameToNodes()
	outputNameToNode := f.model.OutputNameToNode()

	// Snapshot the pivots: the node lists stay untouched until the commit
	// below, so the indexes remain consistent throughout the scan.
	var pivots []*onnx.NodeProto
	for _, node := range f.model.Nodes() {
		if node.OpType == f.searchOpType {
			pivots = append(pivots, node)
		}
	}

	for _, pivot := range pivots {
		if _, taken := f.consumed[pivot]; taken {
			continue
		}
		if m.fuse(pivot, inputNameToNodes, outputNameToNode) {
			f.fusedCount++
		}
	}

	if len(f.nodesToRemove) > 0 || len(f.nodesToAdd) > 0 {
		f.model.RemoveNodes(f.nodesToRemove)
		for _, node := range f.nodesToAdd {
			scope := f.nodeToScope[node]
			if scope == nil {
				scope = f.model.MainGraph()
			}
			f.model.AddNodeToGraph(scope, node)
		}
		f.model.TopologicalSort()
	}

	if f.fusedCount > 0 {
		logrus.Infof("fused %d %s subgraph(s)", f.fusedCount, f.fusedOpType)
	}
	return f.fusedCount
}

// overlaps reports whether any candidate node is already claimed by an
// earlier match in this pass.
func (f *Fusion) overlaps(nodes []*onnx.NodeProto) bool {
	for _, n := range nodes {
		if _, taken := f.consumed[n]; taken {
			return true
		}
	}
	return false
}

// commit records one match: the nodes to remove and the fused replacement,
// bound to the graph scope owning the pivot.
func (f *Fusion) commit(matched []*onnx.NodeProto, fused *onnx.NodeProto, scope *onnx.GraphProto) {
	f.nodesToRemove = append(f.nodesToRemove, matched...)
	for _, n := range matched {
		f.consumed[n] = struct{}{}
	}
	f.nodesToAdd = append(f.nodesToAdd, fused)
	f.nodeToScope[fused] = scope
}
