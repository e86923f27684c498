// Package convert implements the precision-downcast pass: rewriting every
// FLOAT tensor in a model to FLOAT16 subject to an operator allow list.
//
// The pass walks the model breadth-first through a work queue of model,
// graph and attribute items, which reaches nested control-flow sub-graphs
// through node attributes. Operators outside the allow list keep computing
// in float32; wherever such a node touches a retyped tensor the pass bridges
// the edge with exactly one Cast node, and with KeepIOTypes the top-level
// graph boundary is bridged the same way so externally visible types never
// change.
//
// Given identical input and options the output is byte-for-byte
// reproducible: all synthesized names derive from node names and positional
// indices.
package convert
