package models

// ErrorKind labels a surfaced failure for clients. Kinds are stable API
// vocabulary; the human-readable message alongside them never carries
// internal detail.
type ErrorKind string

// Surfaced error kinds.
const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindQueryTooLong       ErrorKind = "query_too_long"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindBusy               ErrorKind = "busy"
	KindOverloaded         ErrorKind = "overloaded"
	KindUpstreamFailed     ErrorKind = "upstream_failed"
	KindUpstreamPolicy     ErrorKind = "upstream_policy"
	KindContextBuildFailed ErrorKind = "context_build_failed"
	KindPersistFailed      ErrorKind = "persist_failed"
	KindCancelled          ErrorKind = "cancelled"
)
