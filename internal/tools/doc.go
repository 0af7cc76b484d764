// Package tools is the closed set of operations agents may request: explorer
// lookups, contract reads, transaction submission, attacker deployment and
// source generation. Every call is validated against the tool's JSON schema
// before dispatch, and failures are returned as result content rather than
// aborting the run.
package tools
