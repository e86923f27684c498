package graph

import (
	"encoding/binary"
	"math"

	"github.com/onnxpass/onnxpass/internal/float16"
	"github.com/onnxpass/onnxpass/internal/onnx"
)

// ParentStep is one step of a declarative ancestor walk: the operator kind
// expected at this level and the input slot to descend through.
type ParentStep struct {
	OpType string
	Slot   int
}

// MatchParent returns the producer of the node's input at the given slot if
// it has the expected operator type, or nil.
func (m *Model) MatchParent(node *onnx.NodeProto, opType string, slot int, outputNameToNode map[string]*onnx.NodeProto) *onnx.NodeProto {
	if slot < 0 || slot >= len(node.Inputs) {
		return nil
	}
	parent, ok := outputNameToNode[node.Inputs[slot]]
	if !ok || parent.OpType != opType {
		return nil
	}
	return parent
}

// MatchParentPath walks ancestors along a fixed (op type, input slot)
// sequence, returning the matched nodes in walk order, or nil if any step
// fails. New fusion patterns add steps instead of duplicating traversal
// logic.
func (m *Model) MatchParentPath(node *onnx.NodeProto, steps []ParentStep, outputNameToNode map[string]*onnx.NodeProto) []*onnx.NodeProto {
	matched := make([]*onnx.NodeProto, 0, len(steps))
	current := node
	for _, step := range steps {
		parent := m.MatchParent(current, step.OpType, step.Slot, outputNameToNode)
		if parent == nil {
			return nil
		}
		matched = append(matched, parent)
		current = parent
	}
	return matched
}

// GetConstantValue resolves a tensor name to its constant values, through
// either an initializer or a producing Constant node. Integer payloads are
// widened to float64 so callers can compare against numeric literals with a
// tolerance.
func (m *Model) GetConstantValue(name string, outputNameToNode map[string]*onnx.NodeProto) ([]float64, bool) {
	if t := m.GetInitializer(name); t != nil {
		return tensorValues(t)
	}
	if producer, ok := outputNameToNode[name]; ok && producer.OpType == "Constant" {
		if attr := producer.Attribute("value"); attr != nil && attr.T != nil {
			return tensorValues(attr.T)
		}
	}
	return nil, false
}

// FindConstantInput returns the index of the node input whose constant
// scalar value equals the expected value within delta, or -1.
func (m *Model) FindConstantInput(node *onnx.NodeProto, expected, delta float64, outputNameToNode map[string]*onnx.NodeProto) int {
	for i, name := range node.Inputs {
		if name == "" {
			continue
		}
		values, ok := m.GetConstantValue(name, outputNameToNode)
		if !ok || len(values) != 1 {
			continue
		}
		if math.Abs(values[0]-expected) < delta {
			return i
		}
	}
	return -1
}

// tensorValues decodes a tensor payload to float64 values. Only the element
// types that appear as slice bounds or folded constants are supported.
func tensorValues(t *onnx.TensorProto) ([]float64, bool) {
	switch t.DataType {
	case onnx.TensorProtoFloat:
		if len(t.FloatData) > 0 {
			return widenFloats(t.FloatData), true
		}
		out := make([]float64, 0, len(t.RawData)/4)
		for i := 0; i+4 <= len(t.RawData); i += 4 {
			out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i:]))))
		}
		return out, true
	case onnx.TensorProtoFloat16:
		if len(t.Int32Data) > 0 {
			out := make([]float64, len(t.Int32Data))
			for i, v := range t.Int32Data {
				out[i] = float64(float16.ToFloat32(uint16(v))) //nolint:gosec // Packed half payload fits in uint16.
			}
			return out, true
		}
		return widenFloats(float16.DecodeSlice(t.RawData)), true
	case onnx.TensorProtoInt64:
		if len(t.Int64Data) > 0 {
			out := make([]float64, len(t.Int64Data))
			for i, v := range t.Int64Data {
				out[i] = float64(v)
			}
			return out, true
		}
		out := make([]float64, 0, len(t.RawData)/8)
		for i := 0; i+8 <= len(t.RawData); i += 8 {
			out = append(out, float64(int64(binary.LittleEndian.Uint64(t.RawData[i:])))) //nolint:gosec // Reinterpreting stored two's-complement bytes.
		}
		return out, true
	case onnx.TensorProtoInt32:
		if len(t.Int32Data) > 0 {
			out := make([]float64, len(t.Int32Data))
			for i, v := range t.Int32Data {
				out[i] = float64(v)
			}
			return out, true
		}
		out := make([]float64, 0, len(t.RawData)/4)
		for i := 0; i+4 <= len(t.RawData); i += 4 {
			out = append(out, float64(int32(binary.LittleEndian.Uint32(t.RawData[i:])))) //nolint:gosec // Reinterpreting stored two's-complement bytes.
		}
		return out, true
	default:
		return nil, false
	}
}

func widenFloats(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}
