// Package redis holds the Redis-backed pieces of the runtime: a checkpoint
// store shared by several workers and a per-account nonce lock so that
// processes signing with the same wallet never race on nonces.
package redis
