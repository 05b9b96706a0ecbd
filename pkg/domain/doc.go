// Package domain defines the core types of the pipeline engine: node kinds,
// statuses, execution parameters, payloads, run records and the error
// taxonomy.
//
// This package has ZERO external dependencies outside the Go standard
// library. The tree, scheduler, pool and storage packages all depend on it;
// it depends on none of them.
package domain
