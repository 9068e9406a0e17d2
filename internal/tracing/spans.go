package tracing

// Span attribute keys. Only the HTTP middleware creates spans, and it sets
// AttrHTTPMethod, AttrHTTPPath and AttrHTTPStatus; no code in the daemon
// sets the workflow or error keys, uses SpanPrefixTask, or records the
// event names below.
const (
	AttrHTTPMethod  = "http.method"
	AttrHTTPPath    = "http.path"
	AttrHTTPStatus  = "http.status_code"
	AttrWorkflowID  = "workflow.id"
	AttrScriptPath  = "workflow.script_path"
	AttrWorkflowPID = "workflow.pid"
	AttrExitCode    = "workflow.exit_code"
	AttrRetryCount  = "workflow.retry_count"
	AttrErrorKind   = "error.kind"
)

// Span name prefixes for consistent naming across handlers and tasks.
const (
	SpanPrefixHandler = "handler."
	SpanPrefixTask    = "task."
)

// Event names recorded on spans.
const (
	EventWorkflowSpawned    = "workflow.spawned"
	EventWorkflowRetried    = "workflow.retried"
	EventWorkflowFinalized  = "workflow.finalized"
	EventExitQueueDropEvent = "exitqueue.dropped"
)
