package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnxpass/onnxpass/internal/onnx"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "onnxpass"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "onnxpass", "config.yaml"),
		[]byte("allow_list: [Conv, MatMul, Gemm]\nlog_level: debug\n"),
		0o644,
	))

	cfg := loadConfig()

	assert.Equal(t, []string{"Conv", "MatMul", "Gemm"}, cfg.AllowList)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Empty(t, cfg.LogFormat)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := loadConfig()

	assert.Empty(t, cfg.AllowList)
	assert.Empty(t, cfg.LogLevel)
}

func TestSummarize(t *testing.T) {
	sub := &onnx.GraphProto{
		Name:  "then",
		Nodes: []*onnx.NodeProto{onnx.MakeNode("Identity", []string{"a"}, []string{"b"}, "")},
	}
	ifNode := onnx.MakeNode("If", []string{"cond"}, []string{"Z"}, "if_0")
	ifNode.Attributes = append(ifNode.Attributes, &onnx.AttributeProto{
		Name: "then_branch",
		Type: onnx.AttributeProtoGraph,
		G:    sub,
	})
	proto := &onnx.ModelProto{
		IRVersion:    8,
		ProducerName: "pytorch",
		OpsetImport:  []onnx.OperatorSetID{{Version: 17}},
		Graph: &onnx.GraphProto{
			Name: "main",
			Nodes: []*onnx.NodeProto{
				onnx.MakeNode("MatMul", []string{"X", "W"}, []string{"t"}, "matmul_0"),
				ifNode,
			},
			Initializers: []*onnx.TensorProto{
				{Name: "W", DataType: onnx.TensorProtoFloat, FloatData: []float32{1}},
			},
			Inputs: []*onnx.ValueInfoProto{
				onnx.MakeTensorValueInfo("X", onnx.TensorProtoFloat, nil),
				onnx.MakeTensorValueInfo("W", onnx.TensorProtoFloat, nil),
			},
			Outputs: []*onnx.ValueInfoProto{onnx.MakeTensorValueInfo("Z", onnx.TensorProtoFloat, nil)},
		},
	}

	summary := summarize(proto)

	assert.Equal(t, int64(8), summary.IRVersion)
	assert.Equal(t, int64(17), summary.OpsetVersion)
	assert.Equal(t, "pytorch", summary.Producer)
	assert.Equal(t, []string{"X"}, summary.Inputs, "initializer-backed inputs are hidden")
	assert.Equal(t, []string{"Z"}, summary.Outputs)
	assert.Equal(t, 3, summary.NodeCount, "sub-graph nodes count too")
	assert.Equal(t, 1, summary.SubGraphs)
	assert.Equal(t, map[string]int{"MatMul": 1, "If": 1, "Identity": 1}, summary.OpHistogram)
}
