// Package tree holds the pipeline node tree.
//
// Nodes live in an arena indexed by NodeID; parents are plain indices so the
// tree has no reference cycles. Parameters are stored as set on each node and
// resolved against the ancestors every time they are needed, which keeps live
// modifications visible to every descendant that has not run yet.
//
// A Tree is not safe for concurrent use. The engine owns the tree and
// serialises every access; tests and loaders use it from a single goroutine.
package tree
