// Package graph provides the shared indexing, matching and surgery
// utilities the rewriting passes are built on.
//
// A Model wraps an onnx.ModelProto and exposes producer/consumer indexes
// (InputNameToNodes, OutputNameToNode), a declarative ancestor walker
// (MatchParentPath), constant folding lookups, the fuse safety check, and
// atomic node removal. Indexes reflect the node lists at build time; rebuild
// them after any surgery.
package graph
