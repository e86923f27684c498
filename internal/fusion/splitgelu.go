package fusion

import (
	"github.com/sirupsen/logrus"

	"github.com/onnxpass/onnxpass/internal/graph"
	"github.com/onnxpass/onnxpass/internal/onnx"
)

// sliceEndTolerance bounds the constant-folded comparison of the slice end
// index against -1.
const sliceEndTolerance = 0.001

// SplitGelu fuses the split-half GELU activation subgraph emitted by
// diffusion model exporters into a single SplitGelu contrib node:
//
//	[X] -------------------->  Slice ---------------> Mul -->
//	   |                          ^                    ^
//	   |                          |                    |
//	   +--------------------------+---Slice --> Gelu---+
//	   |                          |     ^
//	   |                          |-----|
//	   |                          |     |
//	   |                         Mul   Mul
//	   |                          ^     ^
//	   v                          |     |
//	  Shape ---> Gather --> Add --> Div --+
//
// Both slice bounds must derive from the same dynamic Div so the two halves
// are contiguous and non-overlapping.
type SplitGelu struct {
	Fusion
}

// NewSplitGelu builds the fusion over the given model.
func NewSplitGelu(model *graph.Model) *SplitGelu {
	return &SplitGelu{Fusion: newFusion(model, "SplitGelu", "Gelu")}
}

// Apply scans every Gelu pivot and returns the number of committed fusions.
func (f *SplitGelu) Apply() int {
	return f.apply(f)
}

// Fuse runs one fusion pass over the model with pivots of the given
// operator type, SplitGelu's default being "Gelu". It returns the number of
// fused subgraphs; failing to match is not an error.
func Fuse(model *graph.Model, pivotOpType string) int {
	f := NewSplitGelu(model)
	if pivotOpType != "" {
		f.searchOpType = pivotOpType
	}
	return f.Apply()
}

//nolint:gocognit,gocyclo,cyclop // Pattern matching is a flat sequence of structural checks.
func (f *SplitGelu) fuse(gelu *onnx.NodeProto, inputNameToNodes map[string][]*onnx.NodeProto, outputNameToNode map[string]*onnx.NodeProto) bool {
	children := inputNameToNodes[gelu.Outputs[0]]
	if len(children) != 1 || children[0].OpType != "Mul" {
		return false
	}
	mulAfterGelu := children[0]

	sliceBeforeGelu := f.model.MatchParent(gelu, "Slice", 0, outputNameToNode)
	if sliceBeforeGelu == nil {
		return false
	}

	// The slice end bound must constant-fold to -1 (the "to the end" index)
	// and sit in the third input slot.
	if f.model.FindConstantInput(sliceBeforeGelu, -1, sliceEndTolerance, outputNameToNode) != 3 {
		return false
	}

	subgraphInput := sliceBeforeGelu.Inputs[0]

	// The slice start bound derives from the input's dynamic last dimension:
	// Shape -> Gather -> Add -> Div, with an optional scaling Mul in front.
	startIndexNodes := f.model.MatchParentPath(sliceBeforeGelu, []graph.ParentStep{
		{OpType: "Div", Slot: 1},
		{OpType: "Add", Slot: 0},
		{OpType: "Gather", Slot: 0},
		{OpType: "Shape", Slot: 0},
	}, outputNameToNode)
	if startIndexNodes == nil {
		startIndexNodes = f.model.MatchParentPath(sliceBeforeGelu, []graph.ParentStep{
			{OpType: "Mul", Slot: 1},
			{OpType: "Div", Slot: 0},
			{OpType: "Add", Slot: 0},
			{OpType: "Gather", Slot: 0},
			{OpType: "Shape", Slot: 0},
		}, outputNameToNode)
	}
	if startIndexNodes == nil || startIndexNodes[len(startIndexNodes)-1].Inputs[0] != subgraphInput {
		return false
	}

	// The end bound of the other half must reach the same Div, proving both
	// slice bounds come from one computation.
	endIndexNodes := f.model.MatchParentPath(sliceBeforeGelu, []graph.ParentStep{
		{OpType: "Mul", Slot: 2},
		{OpType: "Div", Slot: 0},
	}, outputNameToNode)
	if endIndexNodes == nil || !containsNode(startIndexNodes, endIndexNodes[1]) {
		return false
	}

	sliceBeforeMul := f.model.MatchParent(mulAfterGelu, "Slice", 0, outputNameToNode)
	if sliceBeforeMul == nil {
		return false
	}
	// Contiguous, non-overlapping split: the first half ends where the
	// gelu half starts.
	if len(sliceBeforeMul.Inputs) < 3 || sliceBeforeMul.Inputs[2] != sliceBeforeGelu.Inputs[1] {
		return false
	}

	matched := make([]*onnx.NodeProto, 0, len(startIndexNodes)+5)
	matched = append(matched, startIndexNodes...)
	matched = append(matched, endIndexNodes[0], mulAfterGelu, gelu, sliceBeforeMul, sliceBeforeGelu)

	if f.overlaps(matched) {
		return false
	}

	subgraphOutput := mulAfterGelu.Outputs[0]
	if !f.model.IsSafeToFuse(matched, []string{subgraphOutput}, inputNameToNodes) {
		logrus.Infof("skip SplitGelu fusion at %s: interior tensor has an external consumer", gelu.Name)
		return false
	}

	fused := onnx.MakeNode(f.fusedOpType, []string{subgraphInput}, []string{subgraphOutput},
		f.model.CreateNodeName(f.fusedOpType))
	fused.Domain = VendorDomain
	f.commit(matched, fused, f.model.GraphOf(gelu))
	return true
}

func containsNode(nodes []*onnx.NodeProto, target *onnx.NodeProto) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}
