package onnx

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func testModel() *ModelProto {
	w := &TensorProto{
		Name:      "W",
		DataType:  TensorProtoFloat,
		Dims:      []int64{2, 2},
		FloatData: []float32{1.0, -0.5, 3.25, 0.0},
	}
	node := MakeNode("MatMul", []string{"X", "W"}, []string{"Y"}, "matmul_0")
	return &ModelProto{
		IRVersion:    8,
		ProducerName: "test",
		OpsetImport:  []OperatorSetID{{Version: 17}},
		Graph: &GraphProto{
			Name:         "main",
			Nodes:        []*NodeProto{node},
			Initializers: []*TensorProto{w},
			Inputs:       []*ValueInfoProto{MakeTensorValueInfo("X", TensorProtoFloat, []int64{2, 2})},
			Outputs:      []*ValueInfoProto{MakeTensorValueInfo("Y", TensorProtoFloat, []int64{2, 2})},
		},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	model := testModel()

	parsed, err := Parse(Marshal(model))
	if err != nil {
		t.Fatalf("Parse of marshaled model failed: %v", err)
	}

	if parsed.IRVersion != 8 || parsed.ProducerName != "test" {
		t.Errorf("Model header lost: %+v", parsed)
	}
	if len(parsed.OpsetImport) != 1 || parsed.OpsetImport[0].Version != 17 {
		t.Errorf("Opset imports lost: %+v", parsed.OpsetImport)
	}
	g := parsed.Graph
	if g == nil || g.Name != "main" {
		t.Fatalf("Graph lost: %+v", g)
	}
	if len(g.Nodes) != 1 || g.Nodes[0].OpType != "MatMul" {
		t.Fatalf("Nodes lost: %+v", g.Nodes)
	}
	if len(g.Nodes[0].Inputs) != 2 || g.Nodes[0].Inputs[1] != "W" {
		t.Errorf("Node inputs lost: %v", g.Nodes[0].Inputs)
	}
	if len(g.Initializers) != 1 {
		t.Fatalf("Initializers lost: %+v", g.Initializers)
	}
	w := g.Initializers[0]
	if w.Name != "W" || w.DataType != TensorProtoFloat {
		t.Errorf("Initializer header lost: %+v", w)
	}
	if len(w.Dims) != 2 || w.Dims[0] != 2 || w.Dims[1] != 2 {
		t.Errorf("Dims lost: %v", w.Dims)
	}
	if len(w.FloatData) != 4 || w.FloatData[2] != 3.25 {
		t.Errorf("Float data lost: %v", w.FloatData)
	}
	if len(g.Inputs) != 1 || g.Inputs[0].ElemType() != TensorProtoFloat {
		t.Errorf("Input signature lost: %+v", g.Inputs)
	}
}

func TestMarshalRoundTripAttributes(t *testing.T) {
	cast := MakeCastNode("X", "Y", TensorProtoFloat16, "cast_0")
	sub := &GraphProto{
		Name:  "body",
		Nodes: []*NodeProto{MakeNode("Identity", []string{"a"}, []string{"b"}, "")},
	}
	loop := MakeNode("Loop", []string{"n"}, []string{"out"}, "loop_0")
	loop.Attributes = append(loop.Attributes, &AttributeProto{
		Name: "body",
		Type: AttributeProtoGraph,
		G:    sub,
	})
	model := &ModelProto{
		IRVersion: 8,
		Graph:     &GraphProto{Nodes: []*NodeProto{cast, loop}},
	}

	parsed, err := Parse(Marshal(model))
	if err != nil {
		t.Fatalf("Parse of marshaled model failed: %v", err)
	}

	to := parsed.Graph.Nodes[0].Attribute("to")
	if to == nil || to.Type != AttributeProtoInt || to.I != int64(TensorProtoFloat16) {
		t.Errorf("Cast 'to' attribute lost: %+v", to)
	}
	body := parsed.Graph.Nodes[1].Attribute("body")
	if body == nil || body.Type != AttributeProtoGraph || body.G == nil {
		t.Fatalf("Sub-graph attribute lost: %+v", body)
	}
	if body.G.Name != "body" || len(body.G.Nodes) != 1 || body.G.Nodes[0].OpType != "Identity" {
		t.Errorf("Sub-graph content lost: %+v", body.G)
	}
}

func TestMarshalEmptyOptionalInput(t *testing.T) {
	node := MakeNode("Clip", []string{"x", "", "max"}, []string{"y"}, "")
	model := &ModelProto{Graph: &GraphProto{Nodes: []*NodeProto{node}}}

	parsed, err := Parse(Marshal(model))
	if err != nil {
		t.Fatalf("Parse of marshaled model failed: %v", err)
	}
	inputs := parsed.Graph.Nodes[0].Inputs
	if len(inputs) != 3 || inputs[1] != "" {
		t.Errorf("Empty optional input slot lost: %v", inputs)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	model := testModel()
	if !bytes.Equal(Marshal(model), Marshal(model)) {
		t.Error("Marshal is not deterministic")
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.onnx")

	if err := WriteFile(testModel(), path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	parsed, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if parsed.Graph.Name != "main" {
		t.Errorf("Graph lost through file round trip: %+v", parsed.Graph)
	}
}

func TestWriteFileExternalRoundTrip(t *testing.T) {
	// A raw payload above the externalization threshold ends up in a
	// sidecar file and is transparently loaded back on parse.
	n := 512
	raw := make([]byte, 4*n)
	want := make([]float32, n)
	for i := range want {
		want[i] = float32(i) * 0.25
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(want[i]))
	}
	model := testModel()
	model.Graph.Initializers[0].FloatData = nil
	model.Graph.Initializers[0].RawData = raw
	model.Graph.Initializers[0].Dims = []int64{int64(n)}

	dir := t.TempDir()
	path := filepath.Join(dir, "model.onnx")
	if err := WriteFileExternal(model, path); err != nil {
		t.Fatalf("WriteFileExternal failed: %v", err)
	}

	sidecar := path + ".data"
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatalf("Sidecar file missing: %v", err)
	}

	parsed, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	w := parsed.Graph.Initializers[0]
	if w.DataLocation != DataLocationDefault {
		t.Errorf("Data location not reset after load, got %d", w.DataLocation)
	}
	if !bytes.Equal(w.RawData, raw) {
		t.Errorf("External payload corrupted: got %d bytes", len(w.RawData))
	}
}
