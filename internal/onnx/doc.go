// Package onnx provides the ONNX model intermediate representation and its
// serialized form.
//
// The package implements hand-written protobuf structures and a wire codec
// for .onnx files without external dependencies, both directions: Parse/
// ParseFile decode, Marshal/WriteFile encode. Large models can spill raw
// tensor payloads to a sidecar file via WriteFileExternal.
//
// Key components:
//   - ModelProto: Top-level ONNX model structure with metadata and graph
//   - GraphProto: Computation graph with nodes, signatures and initializers
//   - NodeProto: Single operation in the graph (e.g., Conv, MatMul, Gelu)
//   - TensorProto: Constant tensor with data and shape
//   - ValueInfoProto: Declared type/shape signature for a tensor
//   - AttributeProto: Node attribute, possibly carrying nested sub-graphs
//
// The graph-rewriting passes in internal/convert and internal/fusion mutate
// these structures in place; repeated message fields are therefore pointer
// slices.
package onnx
