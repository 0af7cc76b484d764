// Package api exposes the REST surface for submitting audit runs and reading
// back their status, transcripts, and reports.
package api
