package convert

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnxpass/onnxpass/internal/float16"
	"github.com/onnxpass/onnxpass/internal/graph"
	"github.com/onnxpass/onnxpass/internal/onnx"
	"github.com/onnxpass/onnxpass/internal/shape"
)

func float32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func floatInitializer(name string, values ...float32) *onnx.TensorProto {
	return &onnx.TensorProto{
		Name:      name,
		DataType:  onnx.TensorProtoFloat,
		Dims:      []int64{int64(len(values))},
		FloatData: values,
	}
}

// matmulModel builds X -> MatMul(W) -> Y, all float32.
func matmulModel() *onnx.ModelProto {
	return &onnx.ModelProto{
		IRVersion: 8,
		Graph: &onnx.GraphProto{
			Name: "main",
			Nodes: []*onnx.NodeProto{
				onnx.MakeNode("MatMul", []string{"X", "W"}, []string{"Y"}, "matmul_0"),
			},
			Initializers: []*onnx.TensorProto{floatInitializer("W", 1, 0, 0, 1)},
			Inputs:       []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("X", onnx.TensorProtoFloat, []int64{2, 2})},
			Outputs:      []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("Y", onnx.TensorProtoFloat, []int64{2, 2})},
		},
	}
}

func castNodes(g *onnx.GraphProto) []*onnx.NodeProto {
	var out []*onnx.NodeProto
	for _, n := range g.Nodes {
		if n.OpType == "Cast" {
			out = append(out, n)
		}
	}
	return out
}

func TestDowncastTensorCodec(t *testing.T) {
	negZero := math.Float32frombits(1 << 31)
	tensor := &onnx.TensorProto{
		Name:     "w",
		DataType: onnx.TensorProtoFloat,
		Dims:     []int64{4},
		RawData:  float32Bytes(1.0, 1e-10, 1e5, negZero),
	}

	require.NoError(t, DowncastTensor(tensor))

	assert.Equal(t, int32(onnx.TensorProtoFloat16), tensor.DataType)
	values := float16.DecodeSlice(tensor.RawData)
	require.Len(t, values, 4)
	assert.Equal(t, float32(1.0), values[0])
	assert.InDelta(t, float16.MinPositive, values[1], 1e-9, "tiny magnitudes flush up, not to zero")
	assert.Equal(t, float32(float16.MaxFinite), values[2], "large magnitudes saturate")
	assert.True(t, math.Signbit(float64(values[3])), "negative zero keeps its sign")
}

func TestDowncastTensorFloatData(t *testing.T) {
	tensor := floatInitializer("w", 0.5, -2.0)

	require.NoError(t, DowncastTensor(tensor))

	assert.Empty(t, tensor.FloatData)
	require.Len(t, tensor.Int32Data, 2)
	assert.Equal(t, float32(0.5), float16.ToFloat32(uint16(tensor.Int32Data[0])))
	assert.Equal(t, float32(-2.0), float16.ToFloat32(uint16(tensor.Int32Data[1])))
}

func TestDowncastTensorIdempotent(t *testing.T) {
	tensor := floatInitializer("w", 1.5)
	require.NoError(t, DowncastTensor(tensor))
	packed := append([]int32(nil), tensor.Int32Data...)

	require.NoError(t, DowncastTensor(tensor))

	assert.Equal(t, int32(onnx.TensorProtoFloat16), tensor.DataType)
	assert.Equal(t, packed, tensor.Int32Data, "a second pass must not re-encode")
}

func TestDowncastTensorNil(t *testing.T) {
	assert.ErrorIs(t, DowncastTensor(nil), ErrInvalidKind)
}

func TestConvertNilModel(t *testing.T) {
	c := &Converter{}
	assert.ErrorIs(t, c.Convert(nil), ErrInvalidKind)
	assert.ErrorIs(t, c.Convert(&onnx.ModelProto{}), ErrInvalidKind)
}

func TestConvertDefaultAllowList(t *testing.T) {
	model := matmulModel()
	c := &Converter{}

	require.NoError(t, c.Convert(model))

	g := model.Graph
	assert.Equal(t, int32(onnx.TensorProtoFloat16), g.Inputs[0].ElemType())
	assert.Equal(t, int32(onnx.TensorProtoFloat16), g.Outputs[0].ElemType())
	assert.Equal(t, int32(onnx.TensorProtoFloat16), g.Initializers[0].DataType)
	assert.Empty(t, castNodes(g), "an all-allowed graph needs no bridges")
	assert.Len(t, g.Nodes, 1)
}

func TestConvertNoAllowedNodesIsNoOp(t *testing.T) {
	relu := &onnx.ModelProto{
		Graph: &onnx.GraphProto{
			Nodes:   []*onnx.NodeProto{onnx.MakeNode("Relu", []string{"X"}, []string{"Y"}, "relu_0")},
			Inputs:  []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("X", onnx.TensorProtoFloat, nil)},
			Outputs: []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("Y", onnx.TensorProtoFloat, nil)},
		},
	}
	before := onnx.Marshal(relu)

	c := &Converter{}
	require.NoError(t, c.Convert(relu))

	assert.Equal(t, before, onnx.Marshal(relu), "nothing to convert leaves the model untouched")
}

func TestConvertEmptyAllowListIsNoOp(t *testing.T) {
	model := matmulModel()
	before := onnx.Marshal(model)

	c := &Converter{AllowList: []string{}}
	require.NoError(t, c.Convert(model))

	assert.Equal(t, before, onnx.Marshal(model))
}

func TestConvertKeepIOTypes(t *testing.T) {
	model := matmulModel()
	c := &Converter{KeepIOTypes: true}

	require.NoError(t, c.Convert(model))

	g := model.Graph
	assert.Equal(t, int32(onnx.TensorProtoFloat), g.Inputs[0].ElemType(), "outer input type preserved")
	assert.Equal(t, int32(onnx.TensorProtoFloat), g.Outputs[0].ElemType(), "outer output type preserved")

	casts := castNodes(g)
	require.Len(t, casts, 2, "exactly one Cast per float IO")

	require.Len(t, g.Nodes, 3)
	inCast, matmul, outCast := g.Nodes[0], g.Nodes[1], g.Nodes[2]
	assert.Equal(t, "graph_input_cast0", inCast.Name)
	assert.Equal(t, []string{"X"}, inCast.Inputs)
	assert.Equal(t, []string{"graph_input_cast_0"}, inCast.Outputs)
	assert.Equal(t, int64(onnx.TensorProtoFloat16), inCast.Attribute("to").I)

	assert.Equal(t, []string{"graph_input_cast_0", "W"}, matmul.Inputs)
	assert.Equal(t, []string{"graph_output_cast_0"}, matmul.Outputs)

	assert.Equal(t, "graph_output_cast0", outCast.Name)
	assert.Equal(t, []string{"Y"}, outCast.Outputs)
	assert.Equal(t, int64(onnx.TensorProtoFloat), outCast.Attribute("to").I)
}

// boundaryModel builds X -> MatMul -> t1 -> Relu -> t2 -> MatMul -> Y with
// float32 value_info for both intermediates. Relu is not on the allow list.
func boundaryModel(withValueInfo bool) *onnx.ModelProto {
	g := &onnx.GraphProto{
		Name: "main",
		Nodes: []*onnx.NodeProto{
			onnx.MakeNode("MatMul", []string{"X", "W"}, []string{"t1"}, "matmul_0"),
			onnx.MakeNode("Relu", []string{"t1"}, []string{"t2"}, "relu_0"),
			onnx.MakeNode("MatMul", []string{"t2", "W"}, []string{"Y"}, "matmul_1"),
		},
		Initializers: []*onnx.TensorProto{floatInitializer("W", 1, 0, 0, 1)},
		Inputs:       []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("X", onnx.TensorProtoFloat, []int64{2, 2})},
		Outputs:      []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("Y", onnx.TensorProtoFloat, []int64{2, 2})},
	}
	if withValueInfo {
		g.ValueInfo = []*onnx.ValueInfoProto{
			onnx.MakeTensorValueInfo("t1", onnx.TensorProtoFloat, nil),
			onnx.MakeTensorValueInfo("t2", onnx.TensorProtoFloat, nil),
		}
	}
	return &onnx.ModelProto{IRVersion: 8, Graph: g}
}

func assertReluBridged(t *testing.T, model *onnx.ModelProto) {
	t.Helper()
	g := model.Graph

	casts := castNodes(g)
	require.Len(t, casts, 2, "one bridge per affected Relu input and output")

	var relu *onnx.NodeProto
	for _, n := range g.Nodes {
		if n.OpType == "Relu" {
			relu = n
		}
	}
	require.NotNil(t, relu)
	assert.Equal(t, []string{"relu_0_input_cast_0"}, relu.Inputs)
	assert.Equal(t, []string{"relu_0_output_cast_0"}, relu.Outputs)

	byName := map[string]*onnx.NodeProto{}
	for _, n := range casts {
		byName[n.Name] = n
	}
	inCast := byName["relu_0_input_cast0"]
	require.NotNil(t, inCast)
	assert.Equal(t, []string{"t1"}, inCast.Inputs)
	assert.Equal(t, int64(onnx.TensorProtoFloat), inCast.Attribute("to").I)

	outCast := byName["relu_0_output_cast0"]
	require.NotNil(t, outCast)
	assert.Equal(t, []string{"t2"}, outCast.Outputs)
	assert.Equal(t, int64(onnx.TensorProtoFloat16), outCast.Attribute("to").I)

	// Producers precede consumers after the final sort.
	pos := map[string]int{}
	for i, n := range g.Nodes {
		pos[n.Name] = i
	}
	assert.Less(t, pos["matmul_0"], pos["relu_0_input_cast0"])
	assert.Less(t, pos["relu_0_input_cast0"], pos["relu_0"])
	assert.Less(t, pos["relu_0"], pos["relu_0_output_cast0"])
	assert.Less(t, pos["relu_0_output_cast0"], pos["matmul_1"])
}

func TestConvertBoundaryNode(t *testing.T) {
	model := boundaryModel(true)
	c := &Converter{}

	require.NoError(t, c.Convert(model))

	m := graph.NewModel(model)
	for _, name := range []string{"t1", "t2"} {
		found := false
		for _, vi := range m.MainGraph().ValueInfo {
			if vi.Name == name {
				found = true
				assert.Equal(t, int32(onnx.TensorProtoFloat16), vi.ElemType())
			}
		}
		assert.True(t, found, "value_info for %s", name)
	}
	assertReluBridged(t, model)
}

func TestConvertBoundaryNodeWithInference(t *testing.T) {
	// Same graph without value_info: the inferrer supplies the missing
	// intermediate types and bridging proceeds identically.
	model := boundaryModel(false)
	c := &Converter{Inferrer: shape.ElemTypeInferrer{}}

	require.NoError(t, c.Convert(model))

	assertReluBridged(t, model)
}

type failingInferrer struct{}

func (failingInferrer) Infer(*onnx.ModelProto) (*onnx.ModelProto, error) {
	return nil, assert.AnError
}

func TestConvertInferenceFailureDegrades(t *testing.T) {
	model := matmulModel()
	c := &Converter{Inferrer: failingInferrer{}}

	require.NoError(t, c.Convert(model), "inference failure is a degradation, not an error")
	assert.Equal(t, int32(onnx.TensorProtoFloat16), model.Graph.Inputs[0].ElemType())
}

func TestConvertRetargetsCastNodes(t *testing.T) {
	model := matmulModel()
	g := model.Graph
	g.Nodes[0].Outputs[0] = "t1"
	g.Nodes = append(g.Nodes, onnx.MakeCastNode("t1", "Y", onnx.TensorProtoFloat, "cast_0"))

	c := &Converter{}
	require.NoError(t, c.Convert(model))

	assert.Equal(t, int64(onnx.TensorProtoFloat16), g.Nodes[1].Attribute("to").I,
		"an existing float32 Cast target follows the conversion")
}

func TestConvertSubGraph(t *testing.T) {
	sub := &onnx.GraphProto{
		Name: "then",
		Nodes: []*onnx.NodeProto{
			onnx.MakeNode("MatMul", []string{"X", "SW"}, []string{"sY"}, "sub_matmul_0"),
		},
		Initializers: []*onnx.TensorProto{floatInitializer("SW", 2, 3)},
		Outputs:      []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("sY", onnx.TensorProtoFloat, nil)},
	}
	ifNode := onnx.MakeNode("If", []string{"cond"}, []string{"Z"}, "if_0")
	ifNode.Attributes = append(ifNode.Attributes, &onnx.AttributeProto{
		Name: "then_branch",
		Type: onnx.AttributeProtoGraph,
		G:    sub,
	})
	model := &onnx.ModelProto{
		Graph: &onnx.GraphProto{
			Name:  "main",
			Nodes: []*onnx.NodeProto{ifNode},
			Inputs: []*onnx.ValueInfoProto{
				onnx.MakeTensorValueInfo("cond", onnx.TensorProtoBool, nil),
				onnx.MakeTensorValueInfo("X", onnx.TensorProtoFloat, []int64{2}),
			},
			Outputs: []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("Z", onnx.TensorProtoFloat, nil)},
		},
	}

	c := &Converter{AllowList: []string{"If", "MatMul"}}
	require.NoError(t, c.Convert(model))

	assert.Equal(t, int32(onnx.TensorProtoFloat16), sub.Initializers[0].DataType,
		"sub-graph initializers are downcast")
	assert.Equal(t, int32(onnx.TensorProtoFloat16), sub.Outputs[0].ElemType())
	assert.Equal(t, int32(onnx.TensorProtoBool), model.Graph.Inputs[0].ElemType(),
		"non-float signatures stay put")
	assert.Equal(t, int32(onnx.TensorProtoFloat16), model.Graph.Inputs[1].ElemType())
	assert.Equal(t, int32(onnx.TensorProtoFloat16), model.Graph.Outputs[0].ElemType())
}

func TestConvertAttributeTensors(t *testing.T) {
	custom := onnx.MakeNode("ConstantOfShape", []string{"s"}, []string{"Y"}, "cos_0")
	custom.Attributes = append(custom.Attributes, &onnx.AttributeProto{
		Name: "value",
		Type: onnx.AttributeProtoTensor,
		T:    floatInitializer("", 1.5),
	})
	model := &onnx.ModelProto{
		Graph: &onnx.GraphProto{
			Nodes:   []*onnx.NodeProto{custom},
			Inputs:  []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("s", onnx.TensorProtoInt64, nil)},
			Outputs: []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("Y", onnx.TensorProtoFloat, nil)},
		},
	}

	c := &Converter{AllowList: []string{"ConstantOfShape"}}
	require.NoError(t, c.Convert(model))

	assert.Equal(t, int32(onnx.TensorProtoFloat16), custom.Attributes[0].T.DataType,
		"tensor attributes of allowed nodes are downcast")
}

func TestConvertDeterministic(t *testing.T) {
	first := boundaryModel(true)
	second := boundaryModel(true)
	c := &Converter{KeepIOTypes: true}

	require.NoError(t, c.Convert(first))
	require.NoError(t, c.Convert(second))

	assert.True(t, bytes.Equal(onnx.Marshal(first), onnx.Marshal(second)),
		"identical inputs must serialize identically")
}
