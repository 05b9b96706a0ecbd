// Package governance holds the backpressure controls of the container pool
// and scheduler: exponential backoff with jitter for nodes waiting on
// exhausted resources, and token buckets that pace container launches.
package governance
