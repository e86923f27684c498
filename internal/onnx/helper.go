package onnx

// Construction and copy helpers for building graph nodes and signatures,
// the moral equivalent of the onnx helper/numpy_helper modules.

// MakeNode builds a NodeProto with the given operator type, IO names and name.
func MakeNode(opType string, inputs, outputs []string, name string) *NodeProto {
	return &NodeProto{
		Name:    name,
		OpType:  opType,
		Inputs:  inputs,
		Outputs: outputs,
	}
}

// MakeAttributeInt builds an INT attribute.
func MakeAttributeInt(name string, value int64) *AttributeProto {
	return &AttributeProto{
		Name: name,
		Type: AttributeProtoInt,
		I:    value,
	}
}

// MakeCastNode builds a Cast node converting its input to the given element
// type. The "to" attribute carries the target dtype constant.
func MakeCastNode(input, output string, to int32, name string) *NodeProto {
	node := MakeNode("Cast", []string{input}, []string{output}, name)
	node.Attributes = append(node.Attributes, MakeAttributeInt("to", int64(to)))
	return node
}

// MakeTensorValueInfo builds a ValueInfoProto describing a tensor with the
// given element type and static dims.
func MakeTensorValueInfo(name string, elemType int32, dims []int64) *ValueInfoProto {
	shape := &TensorShapeProto{}
	for _, d := range dims {
		shape.Dims = append(shape.Dims, DimensionProto{DimValue: d})
	}
	return &ValueInfoProto{
		Name: name,
		Type: &TypeProto{
			TensorType: &TensorTypeProto{
				ElemType: elemType,
				Shape:    shape,
			},
		},
	}
}

// Attribute returns the node attribute with the given name, or nil.
func (n *NodeProto) Attribute(name string) *AttributeProto {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// ElemType returns the tensor element type declared by the signature, or
// TensorProtoUndefined when the type information is missing.
func (vi *ValueInfoProto) ElemType() int32 {
	if vi.Type == nil || vi.Type.TensorType == nil {
		return TensorProtoUndefined
	}
	return vi.Type.TensorType.ElemType
}

// SetElemType sets the declared element type, materializing the type
// structure when absent.
func (vi *ValueInfoProto) SetElemType(elemType int32) {
	if vi.Type == nil {
		vi.Type = &TypeProto{}
	}
	if vi.Type.TensorType == nil {
		vi.Type.TensorType = &TensorTypeProto{}
	}
	vi.Type.TensorType.ElemType = elemType
}

// CloneValueInfo deep-copies a signature.
func CloneValueInfo(vi *ValueInfoProto) *ValueInfoProto {
	out := &ValueInfoProto{Name: vi.Name, DocString: vi.DocString}
	if vi.Type == nil {
		return out
	}
	out.Type = &TypeProto{}
	if vi.Type.TensorType == nil {
		return out
	}
	tt := &TensorTypeProto{ElemType: vi.Type.TensorType.ElemType}
	if vi.Type.TensorType.Shape != nil {
		tt.Shape = &TensorShapeProto{
			Dims: append([]DimensionProto(nil), vi.Type.TensorType.Shape.Dims...),
		}
	}
	out.Type.TensorType = tt
	return out
}

// CloneTensor deep-copies a tensor, payload included.
func CloneTensor(t *TensorProto) *TensorProto {
	return &TensorProto{
		Name:         t.Name,
		DataType:     t.DataType,
		Dims:         append([]int64(nil), t.Dims...),
		RawData:      append([]byte(nil), t.RawData...),
		FloatData:    append([]float32(nil), t.FloatData...),
		Int32Data:    append([]int32(nil), t.Int32Data...),
		Int64Data:    append([]int64(nil), t.Int64Data...),
		ExternalData: append([]StringStringEntry(nil), t.ExternalData...),
		DataLocation: t.DataLocation,
		DocString:    t.DocString,
	}
}
