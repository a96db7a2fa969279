package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// App state sync (client -> server request, server -> client snapshot)
	ActionStateSync = "state.sync"

	// Worker stream actions (client -> server)
	ActionWorkerSubscribe   = "worker.subscribe"
	ActionWorkerUnsubscribe = "worker.unsubscribe"
	ActionWorkerInput       = "worker.input"
	ActionWorkerResize      = "worker.resize"

	// Worker stream notifications (server -> client)
	ActionWorkerHistory  = "worker.history"
	ActionWorkerData     = "worker.data"
	ActionWorkerActivity = "worker.activity"
	ActionWorkerExit     = "worker.exit"

	// Lifecycle notifications (server -> client, broadcast)
	ActionSessionCreated = "session.created"
	ActionSessionDeleted = "session.deleted"
	ActionWorkerCreated  = "worker.created"
	ActionWorkerRemoved  = "worker.removed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
