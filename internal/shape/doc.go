// Package shape provides the type-inference oracle consulted by the
// precision-downcast pass before it rewrites tensor signatures.
package shape
