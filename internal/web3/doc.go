// Package web3 houses blockchain connectivity: the RPC client contract used by
// the transaction executor and tools, and the YAML chain definitions that map
// chain names to RPC endpoints.
package web3
