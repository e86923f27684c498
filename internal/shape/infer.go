package shape

import (
	"fmt"

	"github.com/onnxpass/onnxpass/internal/onnx"
)

// ElemTypeInferrer completes missing element-type signatures by propagating
// types forward through the graph. It never alters graph semantics: existing
// signatures are left alone and only absent value_info entries are added.
//
// Shapes are not inferred; the downcast pass only needs element types to
// decide which signatures to rewrite.
type ElemTypeInferrer struct{}

// Noop is an inferrer that returns the model unchanged, used when inference
// is disabled.
type Noop struct{}

// Infer returns the model as-is.
func (Noop) Infer(model *onnx.ModelProto) (*onnx.ModelProto, error) {
	return model, nil
}

// Infer fills in missing intermediate element types on every graph scope.
func (ElemTypeInferrer) Infer(model *onnx.ModelProto) (*onnx.ModelProto, error) {
	if model == nil || model.Graph == nil {
		return nil, fmt.Errorf("shape inference: model has no graph")
	}
	inferGraph(model.Graph, map[string]int32{})
	return model, nil
}

func inferGraph(g *onnx.GraphProto, outer map[string]int32) {
	// Seed known types: enclosing scope, then this graph's declarations.
	types := make(map[string]int32, len(outer))
	for name, t := range outer {
		types[name] = t
	}
	for _, vi := range g.Inputs {
		if vi.ElemType() != onnx.TensorProtoUndefined {
			types[vi.Name] = vi.ElemType()
		}
	}
	for _, vi := range g.ValueInfo {
		if vi.ElemType() != onnx.TensorProtoUndefined {
			types[vi.Name] = vi.ElemType()
		}
	}
	for _, init := range g.Initializers {
		types[init.Name] = init.DataType
	}

	known := make(map[string]struct{}, len(g.ValueInfo))
	for _, vi := range g.ValueInfo {
		known[vi.Name] = struct{}{}
	}
	for _, vi := range g.Inputs {
		known[vi.Name] = struct{}{}
	}
	isOutput := make(map[string]struct{}, len(g.Outputs))
	for _, vi := range g.Outputs {
		isOutput[vi.Name] = struct{}{}
	}

	for _, node := range g.Nodes {
		outType := outputElemType(node, types)

		for _, attr := range node.Attributes {
			if attr.G != nil {
				inferGraph(attr.G, types)
			}
			for _, sub := range attr.Graphs {
				inferGraph(sub, types)
			}
		}

		if outType == onnx.TensorProtoUndefined {
			continue
		}
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			types[output] = outType
			if _, have := known[output]; have {
				continue
			}
			if _, have := isOutput[output]; have {
				continue
			}
			g.ValueInfo = append(g.ValueInfo, onnx.MakeTensorValueInfo(output, outType, nil))
			known[output] = struct{}{}
		}
	}

	// Complete untyped graph outputs in place.
	for _, vi := range g.Outputs {
		if vi.ElemType() == onnx.TensorProtoUndefined {
			if t, ok := types[vi.Name]; ok {
				vi.SetElemType(t)
			}
		}
	}
}

// outputElemType decides the element type a node produces, or Undefined when
// it cannot be determined from the inputs alone.
func outputElemType(node *onnx.NodeProto, types map[string]int32) int32 {
	switch node.OpType {
	case "Cast":
		if to := node.Attribute("to"); to != nil {
			return int32(to.I) //nolint:gosec // Cast targets are small dtype constants.
		}
	case "Shape":
		return onnx.TensorProtoInt64
	case "Constant":
		if v := node.Attribute("value"); v != nil && v.T != nil {
			return v.T.DataType
		}
	}
	// Elementwise and structural operators carry their first typed input
	// through.
	for _, input := range node.Inputs {
		if input == "" {
			continue
		}
		if t, ok := types[input]; ok {
			return t
		}
	}
	return onnx.TensorProtoUndefined
}
