// Package fusion implements structural pattern fusion: matching a known
// multi-node subgraph shape anchored at a pivot node and replacing it with a
// single fused contrib operator.
//
// Matching walks predecessor edges through declarative (op type, input slot)
// paths over the shared graph indexes. A match only commits when removing
// the interior nodes cannot orphan any externally visible tensor; unsafe or
// failed matches are skipped and logged, never fatal. Surgery is atomic per
// pass: removals and insertions land together, followed by a topological
// re-sort.
package fusion
