package convert

import (
	"encoding/binary"
	"math"

	"github.com/onnxpass/onnxpass/internal/float16"
	"github.com/onnxpass/onnxpass/internal/onnx"
	"github.com/onnxpass/onnxpass/internal/parallel"
)

// DowncastTensor rewrites a FLOAT tensor to FLOAT16 in place, recoding its
// payload through the float16 codec. Tensors of any other element type,
// FLOAT16 included, come back unchanged, so the operation is idempotent.
// Large payloads recode in parallel chunks; every element writes only its
// own output slot, so the result does not depend on scheduling.
func DowncastTensor(t *onnx.TensorProto) error {
	if t == nil {
		return ErrInvalidKind
	}
	if t.DataType != onnx.TensorProtoFloat {
		return nil
	}
	t.DataType = onnx.TensorProtoFloat16
	cfg := parallel.DefaultConfig()

	// Legacy float_data moves to int32_data, the field ONNX uses for
	// packed half payloads.
	if len(t.FloatData) > 0 {
		src := t.FloatData
		packed := make([]int32, len(src))
		parallel.For(len(src), func(i int) {
			packed[i] = int32(float16.FromFloat32(src[i]))
		}, cfg)
		t.Int32Data = packed
		t.FloatData = nil
	}

	// raw_data is reinterpreted as a float32 array, recoded elementwise
	// and re-serialized as packed float16 bytes.
	if len(t.RawData) > 0 {
		src := t.RawData
		n := len(src) / 4
		out := make([]byte, n*2)
		parallel.For(n, func(i int) {
			v := math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
			binary.LittleEndian.PutUint16(out[2*i:], float16.FromFloat32(v))
		}, cfg)
		t.RawData = out
	}
	return nil
}

// makeValueInfoFromTensor builds the signature describing a (possibly just
// retyped) initializer.
func makeValueInfoFromTensor(t *onnx.TensorProto) *onnx.ValueInfoProto {
	return onnx.MakeTensorValueInfo(t.Name, t.DataType, t.Dims)
}
