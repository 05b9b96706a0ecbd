// Package state implements node status transitions over a tree.
//
// Exec nodes carry their status directly. Serial and Parallel nodes store a
// status derived from their children, refreshed along the ancestor chain
// whenever a child changes. Skip masks a node's stored status without
// replacing it, so unskipping brings the previous outcome back.
package state
