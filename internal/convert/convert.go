package convert

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/onnxpass/onnxpass/internal/graph"
	"github.com/onnxpass/onnxpass/internal/onnx"
)

// Inferrer is the shape-inference oracle the converter may call before
// traversal. Implementations complete type/shape signatures and must not
// alter graph semantics.
type Inferrer interface {
	Infer(model *onnx.ModelProto) (*onnx.ModelProto, error)
}

// DefaultAllowList returns the operators converted to float16 by default.
func DefaultAllowList() []string {
	return []string{"Conv", "MatMul"}
}

// Converter rewrites FLOAT tensors to FLOAT16 across a whole model, nested
// sub-graphs included, inserting Cast nodes wherever an operator outside the
// allow list would otherwise see the narrower type.
type Converter struct {
	// AllowList names the operators whose tensors may be converted.
	// Empty means DefaultAllowList.
	AllowList []string

	// KeepIOTypes preserves the externally visible float32 types of the
	// top-level graph inputs and outputs, bridging each with a Cast.
	KeepIOTypes bool

	// DisableShapeInference skips the inference pre-pass even when an
	// Inferrer is available.
	DisableShapeInference bool

	// Inferrer is the optional shape-inference oracle.
	Inferrer Inferrer
}

// Convert mutates the model in place. The same model and options always
// produce byte-for-byte identical output: synthesized names derive from
// positional indices and no step consults iteration order of a map.
func (c *Converter) Convert(model *onnx.ModelProto) error {
	if model == nil || model.Graph == nil {
		return fmt.Errorf("convert: %w", ErrInvalidKind)
	}

	// Type information is needed to retype signatures; proceeding without
	// it is a known degradation, not a failure.
	if !c.DisableShapeInference && c.Inferrer != nil {
		inferred, err := c.Inferrer.Infer(model)
		if err != nil {
			logrus.Warnf("shape inference unavailable, converting without inferred types: %v", err)
		} else {
			*model = *inferred
		}
	}

	allow := c.AllowList
	if allow == nil {
		allow = DefaultAllowList()
	}

	s := &state{
		model: graph.NewModel(model),
		allow: make(map[string]struct{}, len(allow)),
		root:  newScope(nil),
		skip:  make(map[string]struct{}),
		casts: make(map[string]struct{}),
	}
	for _, op := range allow {
		s.allow[op] = struct{}{}
	}

	// Without at least one allowed node, no operator ever introduces
	// float16 into the graph; converting signatures anyway would only
	// force a Cast bridge around every node. Leave the model untouched.
	if !s.hasAllowedNode() {
		logrus.Infof("no node matches the allow list, model left unchanged")
		return nil
	}

	if c.KeepIOTypes {
		s.insertBoundaryCasts()
	}
	s.traverse()
	s.reconcileBoundaryNodes()
	s.model.TopologicalSort()
	return nil
}

// state carries one conversion pass.
type state struct {
	model *graph.Model
	allow map[string]struct{}
	queue []workItem

	// root scope holds the top-level IO name substitutions.
	root *scope

	// retyped records every signature rewritten to FLOAT16, in rewrite
	// order; boundary reconciliation matches node IO against it.
	retyped []*onnx.ValueInfoProto

	// boundary collects nodes outside the allow list that neighbor
	// rewritten tensors, in deferral order.
	boundary []boundaryEntry

	// skip marks top-level IO names already bridged by a boundary Cast.
	skip map[string]struct{}

	// casts marks synthesized boundary Cast nodes, excluded from rewriting.
	casts map[string]struct{}
}

type boundaryEntry struct {
	node  *onnx.NodeProto
	graph *onnx.GraphProto
}

// hasAllowedNode reports whether any node in any graph scope is on the
// allow list.
func (s *state) hasAllowedNode() bool {
	for _, node := range s.model.Nodes() {
		if _, ok := s.allow[node.OpType]; ok {
			return true
		}
	}
	return false
}

// scope is one level of name substitution. Sub-graphs shadow enclosing
// names, so lookups stop at a level that declares the name locally.
type scope struct {
	parent *scope
	names  map[string]string
	local  map[string]struct{}
}

func newScope(parent *scope) *scope {
	return &scope{
		parent: parent,
		names:  make(map[string]string),
		local:  make(map[string]struct{}),
	}
}

func (sc *scope) lookup(name string) (string, bool) {
	for s := sc; s != nil; s = s.parent {
		if mapped, ok := s.names[name]; ok {
			return mapped, true
		}
		if _, shadowed := s.local[name]; shadowed {
			return "", false
		}
	}
	return "", false
}

// insertBoundaryCasts synthesizes the keep-io-types shadow tensors: a Cast
// to FLOAT16 after every float32 graph input and a Cast back to FLOAT before
// every float32 graph output. The original names stay externally visible.
func (s *state) insertBoundaryCasts() {
	g := s.model.MainGraph()

	for i, input := range g.Inputs {
		if input.ElemType() != onnx.TensorProtoFloat {
			continue
		}
		shadow := fmt.Sprintf("graph_input_cast_%d", i)
		castName := fmt.Sprintf("graph_input_cast%d", i)
		s.root.names[input.Name] = shadow
		s.skip[input.Name] = struct{}{}

		vi := onnx.CloneValueInfo(input)
		vi.Name = shadow
		vi.SetElemType(onnx.TensorProtoFloat16)
		g.ValueInfo = append(g.ValueInfo, vi)
		s.retyped = append(s.retyped, vi)

		g.Nodes = append(g.Nodes, onnx.MakeCastNode(input.Name, shadow, onnx.TensorProtoFloat16, castName))
		s.casts[castName] = struct{}{}
	}

	for i, output := range g.Outputs {
		if output.ElemType() != onnx.TensorProtoFloat {
			continue
		}
		shadow := fmt.Sprintf("graph_output_cast_%d", i)
		castName := fmt.Sprintf("graph_output_cast%d", i)
		s.root.names[output.Name] = shadow
		s.skip[output.Name] = struct{}{}

		vi := onnx.CloneValueInfo(output)
		vi.Name = shadow
		vi.SetElemType(onnx.TensorProtoFloat16)
		g.ValueInfo = append(g.ValueInfo, vi)
		s.retyped = append(s.retyped, vi)

		g.Nodes = append(g.Nodes, onnx.MakeCastNode(shadow, output.Name, onnx.TensorProtoFloat, castName))
		s.casts[castName] = struct{}{}
	}
}

// traverse runs the breadth-first work queue over the model's heterogeneous
// item kinds. Each kind is a workItem variant with its own visit method.
func (s *state) traverse() {
	s.queue = append(s.queue, modelItem{m: s.model.Proto})
	for len(s.queue) > 0 {
		item := s.queue[0]
		s.queue = s.queue[1:]
		item.visit(s)
	}
}

// workItem is the closed sum of BFS queue entries: a model, a graph with its
// name scope, or a node attribute.
type workItem interface {
	visit(s *state)
}

type modelItem struct {
	m *onnx.ModelProto
}

type graphItem struct {
	g  *onnx.GraphProto
	sc *scope
}

type attrItem struct {
	a  *onnx.AttributeProto
	sc *scope
}

func (it modelItem) visit(s *state) {
	s.queue = append(s.queue, graphItem{g: it.m.Graph, sc: s.root})
}

func (it graphItem) visit(s *state) {
	// Names declared by this graph shadow enclosing-scope substitutions.
	for _, input := range it.g.Inputs {
		it.sc.local[input.Name] = struct{}{}
	}
	for _, init := range it.g.Initializers {
		it.sc.local[init.Name] = struct{}{}
	}

	for _, node := range it.g.Nodes {
		if _, isBoundaryCast := s.casts[node.Name]; isBoundaryCast {
			continue
		}
		for i, name := range node.Inputs {
			if mapped, ok := it.sc.lookup(name); ok {
				node.Inputs[i] = mapped
			}
		}
		for i, name := range node.Outputs {
			if mapped, ok := it.sc.lookup(name); ok {
				node.Outputs[i] = mapped
			}
		}

		_, allowed := s.allow[node.OpType]
		if !allowed && node.OpType != "Cast" {
			// The node keeps operating on float32; reconciled later.
			s.boundary = append(s.boundary, boundaryEntry{node: node, graph: it.g})
			continue
		}
		if node.OpType == "Cast" {
			if to := node.Attribute("to"); to != nil && to.I == onnx.TensorProtoFloat {
				to.I = onnx.TensorProtoFloat16
			}
		}
		for _, attr := range node.Attributes {
			s.queue = append(s.queue, attrItem{a: attr, sc: it.sc})
		}
	}

	for _, init := range it.g.Initializers {
		if init.DataType == onnx.TensorProtoFloat {
			_ = DowncastTensor(init)
			s.retyped = append(s.retyped, makeValueInfoFromTensor(init))
		}
	}

	signatures := make([]*onnx.ValueInfoProto, 0, len(it.g.Inputs)+len(it.g.Outputs)+len(it.g.ValueInfo))
	signatures = append(signatures, it.g.Inputs...)
	signatures = append(signatures, it.g.Outputs...)
	signatures = append(signatures, it.g.ValueInfo...)
	for _, vi := range signatures {
		if vi.ElemType() != onnx.TensorProtoFloat {
			continue
		}
		if _, bridged := s.skip[vi.Name]; bridged {
			continue
		}
		vi.SetElemType(onnx.TensorProtoFloat16)
		s.retyped = append(s.retyped, vi)
	}
}

func (it attrItem) visit(s *state) {
	// Attribute tensors are leaves: downcast directly, no allow-listing
	// below this point.
	if it.a.T != nil {
		_ = DowncastTensor(it.a.T)
	}
	for _, t := range it.a.Tensors {
		_ = DowncastTensor(t)
	}
	if it.a.G != nil {
		s.queue = append(s.queue, graphItem{g: it.a.G, sc: newScope(it.sc)})
	}
	for _, sub := range it.a.Graphs {
		s.queue = append(s.queue, graphItem{g: sub, sc: newScope(it.sc)})
	}
}

// reconcileBoundaryNodes bridges every deferred node whose neighbors were
// retyped: a Cast back to FLOAT upstream of each affected input, a Cast to
// FLOAT16 downstream of each affected output. The consumer-visible tensor
// name always stays on the outward side of the bridge.
func (s *state) reconcileBoundaryNodes() {
	retypedByName := make(map[string]*onnx.ValueInfoProto, len(s.retyped))
	for _, vi := range s.retyped {
		if _, seen := retypedByName[vi.Name]; !seen {
			retypedByName[vi.Name] = vi
		}
	}

	for _, entry := range s.boundary {
		node := entry.node
		if node.Name == "" {
			node.Name = s.model.CreateNodeName(node.OpType)
		}

		for i, input := range node.Inputs {
			vi, ok := retypedByName[input]
			if !ok {
				continue
			}
			bridged := fmt.Sprintf("%s_input_cast_%d", node.Name, i)
			castName := fmt.Sprintf("%s_input_cast%d", node.Name, i)

			newVI := onnx.CloneValueInfo(vi)
			newVI.Name = bridged
			newVI.SetElemType(onnx.TensorProtoFloat)
			entry.graph.ValueInfo = append(entry.graph.ValueInfo, newVI)

			entry.graph.Nodes = append(entry.graph.Nodes,
				onnx.MakeCastNode(input, bridged, onnx.TensorProtoFloat, castName))
			node.Inputs[i] = bridged
			logrus.Debugf("bridged input %d of %s (%s) with %s", i, node.Name, node.OpType, castName)
		}

		for i, output := range node.Outputs {
			vi, ok := retypedByName[output]
			if !ok {
				continue
			}
			bridged := fmt.Sprintf("%s_output_cast_%d", node.Name, i)
			castName := fmt.Sprintf("%s_output_cast%d", node.Name, i)

			newVI := onnx.CloneValueInfo(vi)
			newVI.Name = bridged
			newVI.SetElemType(onnx.TensorProtoFloat)
			entry.graph.ValueInfo = append(entry.graph.ValueInfo, newVI)

			entry.graph.Nodes = append(entry.graph.Nodes,
				onnx.MakeCastNode(bridged, output, onnx.TensorProtoFloat16, castName))
			node.Outputs[i] = bridged
			logrus.Debugf("bridged output %d of %s (%s) with %s", i, node.Name, node.OpType, castName)
		}
	}
}
