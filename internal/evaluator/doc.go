// Package evaluator keeps derived fields consistent with primary state.
//
// A [Graph] is a DAG of nodes addressed by (key, tag). Each node wraps an
// immutable [Func] and is evaluated lazily: [Graph.Update] pulls its
// dependencies first and recomputes only when a dependency record carries a
// newer version stamp than the one recorded at the node's last evaluation.
// Partial derivatives are memoized the same way, keyed additionally by the
// differentiation target, and chained pointwise through intermediate nodes.
//
// Cycles are rejected when a node is registered. [Graph.EnsureCompatibility]
// must run once, before State.Setup, to push shape requirements down the
// graph and declare every output record.
package evaluator
