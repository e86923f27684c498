package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// Marshal serializes a model back to protobuf wire format. Fields are
// emitted in ascending field-number order, so the same model always
// serializes to the same bytes.
func Marshal(m *ModelProto) []byte {
	e := &encoder{}
	e.modelProto(m)
	return e.buf
}

// WriteFile serializes a model to the given path.
func WriteFile(m *ModelProto, path string) error {
	if err := os.WriteFile(path, Marshal(m), 0o644); err != nil { //nolint:gosec // G306: model files are not secrets.
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// WriteFileExternal serializes a model with large initializer payloads
// spilled to a sidecar "<name>.data" file next to the model. Used for
// models whose inline form would exceed the 2GB protobuf limit.
func WriteFileExternal(m *ModelProto, path string) error {
	dataName := filepath.Base(path) + ".data"
	sidecar, err := externalizeTensors(m, dataName)
	if err != nil {
		return err
	}
	if len(sidecar) > 0 {
		if err := os.WriteFile(filepath.Join(filepath.Dir(path), dataName), sidecar, 0o644); err != nil { //nolint:gosec // G306: model files are not secrets.
			return fmt.Errorf("failed to write external data: %w", err)
		}
	}
	return WriteFile(m, path)
}

// externalDataThreshold is the minimum raw payload size, in bytes, moved to
// the sidecar file. Small tensors stay inline to keep the sidecar compact.
const externalDataThreshold = 1024

// externalizeTensors moves raw payloads of every initializer in the model
// (sub-graphs included) into one concatenated sidecar buffer, rewriting the
// tensors to point at their offset/length within it.
func externalizeTensors(m *ModelProto, location string) ([]byte, error) {
	if m.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}
	var sidecar []byte
	var walk func(g *GraphProto)
	walk = func(g *GraphProto) {
		for _, t := range g.Initializers {
			if len(t.RawData) < externalDataThreshold {
				continue
			}
			t.ExternalData = []StringStringEntry{
				{Key: "location", Value: location},
				{Key: "offset", Value: strconv.Itoa(len(sidecar))},
				{Key: "length", Value: strconv.Itoa(len(t.RawData))},
			}
			t.DataLocation = DataLocationExternal
			sidecar = append(sidecar, t.RawData...)
			t.RawData = nil
		}
		for _, n := range g.Nodes {
			for _, a := range n.Attributes {
				if a.G != nil {
					walk(a.G)
				}
				for _, sub := range a.Graphs {
					walk(sub)
				}
			}
		}
	}
	walk(m.Graph)
	return sidecar, nil
}

// loadExternalData pulls externally stored initializer payloads back inline
// so the rewriting passes can treat every tensor uniformly.
func loadExternalData(m *ModelProto, dir string) error {
	if m.Graph == nil {
		return nil
	}
	files := map[string][]byte{}
	var walkErr error
	var walk func(g *GraphProto)
	walk = func(g *GraphProto) {
		for _, t := range g.Initializers {
			if t.DataLocation != DataLocationExternal || walkErr != nil {
				continue
			}
			location, offset, length := externalEntries(t)
			if location == "" {
				walkErr = fmt.Errorf("tensor %s: missing external data location", t.Name)
				return
			}
			data, ok := files[location]
			if !ok {
				var err error
				data, err = os.ReadFile(filepath.Join(dir, location)) //nolint:gosec // G304: sidecar path comes from the model file.
				if err != nil {
					walkErr = fmt.Errorf("tensor %s: %w", t.Name, err)
					return
				}
				files[location] = data
			}
			end := offset + length
			if offset < 0 || length < 0 || end > len(data) {
				walkErr = fmt.Errorf("tensor %s: external data out of bounds", t.Name)
				return
			}
			t.RawData = append([]byte(nil), data[offset:end]...)
			t.ExternalData = nil
			t.DataLocation = DataLocationDefault
		}
		for _, n := range g.Nodes {
			for _, a := range n.Attributes {
				if a.G != nil {
					walk(a.G)
				}
				for _, sub := range a.Graphs {
					walk(sub)
				}
			}
		}
	}
	walk(m.Graph)
	return walkErr
}

func externalEntries(t *TensorProto) (location string, offset, length int) {
	length = -1
	for _, e := range t.ExternalData {
		switch e.Key {
		case "location":
			location = e.Value
		case "offset":
			offset, _ = strconv.Atoi(e.Value)
		case "length":
			length, _ = strconv.Atoi(e.Value)
		}
	}
	return location, offset, length
}

// encoder implements a minimal protobuf wire format encoder, the mirror of
// the parser in this package.
type encoder struct {
	buf []byte
}

func (e *encoder) modelProto(m *ModelProto) {
	e.varintField(1, m.IRVersion)
	e.stringField(2, m.ProducerName)
	e.stringField(3, m.ProducerVersion)
	e.stringField(4, m.Domain)
	e.varintField(5, m.ModelVersion)
	e.stringField(6, m.DocString)
	if m.Graph != nil {
		e.messageField(7, func(sub *encoder) { sub.graphProto(m.Graph) })
	}
	for i := range m.OpsetImport {
		opset := m.OpsetImport[i]
		e.messageField(8, func(sub *encoder) {
			sub.stringField(1, opset.Domain)
			sub.varintField(2, opset.Version)
		})
	}
	for i := range m.MetadataProps {
		entry := m.MetadataProps[i]
		e.messageField(14, func(sub *encoder) {
			sub.stringField(1, entry.Key)
			sub.stringField(2, entry.Value)
		})
	}
}

func (e *encoder) graphProto(g *GraphProto) {
	for _, n := range g.Nodes {
		e.messageField(1, func(sub *encoder) { sub.nodeProto(n) })
	}
	e.stringField(2, g.Name)
	for _, t := range g.Initializers {
		e.messageField(5, func(sub *encoder) { sub.tensorProto(t) })
	}
	e.stringField(10, g.DocString)
	for _, vi := range g.Inputs {
		e.messageField(11, func(sub *encoder) { sub.valueInfoProto(vi) })
	}
	for _, vi := range g.Outputs {
		e.messageField(12, func(sub *encoder) { sub.valueInfoProto(vi) })
	}
	for _, vi := range g.ValueInfo {
		e.messageField(13, func(sub *encoder) { sub.valueInfoProto(vi) })
	}
}

func (e *encoder) nodeProto(n *NodeProto) {
	for _, in := range n.Inputs {
		e.forcedStringField(1, in)
	}
	for _, out := range n.Outputs {
		e.forcedStringField(2, out)
	}
	e.stringField(3, n.Name)
	e.stringField(4, n.OpType)
	for _, a := range n.Attributes {
		e.messageField(5, func(sub *encoder) { sub.attributeProto(a) })
	}
	e.stringField(6, n.DocString)
	e.stringField(7, n.Domain)
}

func (e *encoder) tensorProto(t *TensorProto) {
	if len(t.Dims) > 0 {
		e.packedVarints(1, t.Dims)
	}
	e.varintField(2, int64(t.DataType))
	if len(t.FloatData) > 0 {
		e.packedFloats(4, t.FloatData)
	}
	if len(t.Int32Data) > 0 {
		ints := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			// Negative int32 values widen to their two's-complement int64
			// form, matching protobuf varint semantics.
			ints[i] = int64(v)
		}
		e.packedVarints(5, ints)
	}
	if len(t.Int64Data) > 0 {
		e.packedVarints(7, t.Int64Data)
	}
	e.stringField(8, t.Name)
	if len(t.RawData) > 0 {
		e.bytesField(9, t.RawData)
	}
	e.stringField(12, t.DocString)
	for i := range t.ExternalData {
		entry := t.ExternalData[i]
		e.messageField(13, func(sub *encoder) {
			sub.stringField(1, entry.Key)
			sub.stringField(2, entry.Value)
		})
	}
	e.varintField(14, int64(t.DataLocation))
}

func (e *encoder) valueInfoProto(vi *ValueInfoProto) {
	e.stringField(1, vi.Name)
	if vi.Type != nil && vi.Type.TensorType != nil {
		tt := vi.Type.TensorType
		e.messageField(2, func(sub *encoder) {
			sub.messageField(1, func(t *encoder) {
				t.varintField(1, int64(tt.ElemType))
				if tt.Shape != nil {
					t.messageField(2, func(s *encoder) {
						for i := range tt.Shape.Dims {
							dim := tt.Shape.Dims[i]
							s.messageField(1, func(d *encoder) {
								d.varintField(1, dim.DimValue)
								d.stringField(2, dim.DimParam)
							})
						}
					})
				}
			})
		})
	}
	e.stringField(3, vi.DocString)
}

func (e *encoder) attributeProto(a *AttributeProto) {
	e.stringField(1, a.Name)
	if a.F != 0 {
		e.float32Field(2, a.F)
	}
	e.varintField(3, a.I)
	if len(a.S) > 0 {
		e.bytesField(4, a.S)
	}
	if a.T != nil {
		e.messageField(5, func(sub *encoder) { sub.tensorProto(a.T) })
	}
	if a.G != nil {
		e.messageField(6, func(sub *encoder) { sub.graphProto(a.G) })
	}
	if len(a.Floats) > 0 {
		e.packedFloats(7, a.Floats)
	}
	if len(a.Ints) > 0 {
		e.packedVarints(8, a.Ints)
	}
	for _, s := range a.Strings {
		e.bytesField(9, s)
	}
	for _, t := range a.Tensors {
		e.messageField(10, func(sub *encoder) { sub.tensorProto(t) })
	}
	for _, g := range a.Graphs {
		e.messageField(11, func(sub *encoder) { sub.graphProto(g) })
	}
	e.stringField(13, a.DocString)
	e.varintField(20, int64(a.Type))
}

// Low-level wire encoding.

func (e *encoder) tag(fieldNum, wireType int) {
	e.uvarint(uint64(fieldNum)<<3 | uint64(wireType)) //nolint:gosec // Field numbers are small positive constants.
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// varintField writes a varint field, omitting proto3 zero values.
func (e *encoder) varintField(fieldNum int, v int64) {
	if v == 0 {
		return
	}
	e.tag(fieldNum, wireVarint)
	e.uvarint(uint64(v)) //nolint:gosec // Two's-complement widening is the protobuf int64 encoding.
}

func (e *encoder) stringField(fieldNum int, s string) {
	if s == "" {
		return
	}
	e.forcedStringField(fieldNum, s)
}

// forcedStringField writes a string field even when empty. Node input slots
// use "" to mark absent optional inputs, and dropping them would shift the
// positional slots of everything after.
func (e *encoder) forcedStringField(fieldNum int, s string) {
	e.tag(fieldNum, wireBytes)
	e.uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytesField(fieldNum int, data []byte) {
	e.tag(fieldNum, wireBytes)
	e.uvarint(uint64(len(data)))
	e.buf = append(e.buf, data...)
}

func (e *encoder) float32Field(fieldNum int, f float32) {
	e.tag(fieldNum, wire32Bit)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(f))
}

func (e *encoder) packedVarints(fieldNum int, values []int64) {
	sub := &encoder{}
	for _, v := range values {
		sub.uvarint(uint64(v)) //nolint:gosec // Two's-complement widening is the protobuf int64 encoding.
	}
	e.bytesField(fieldNum, sub.buf)
}

func (e *encoder) packedFloats(fieldNum int, values []float32) {
	sub := &encoder{}
	for _, v := range values {
		sub.buf = binary.LittleEndian.AppendUint32(sub.buf, math.Float32bits(v))
	}
	e.bytesField(fieldNum, sub.buf)
}

// messageField writes an embedded message field via a child encoder.
func (e *encoder) messageField(fieldNum int, fill func(*encoder)) {
	sub := &encoder{}
	fill(sub)
	e.bytesField(fieldNum, sub.buf)
}
