package httpserver

const (
	ErrMissingID      = "missing account id"
	ErrNotFound       = "not found"
	ErrDependency     = "dependency error"
	ErrAlreadyRunning = "already running"
	ErrNotRunning     = "not running"
	ErrDisabled       = "account disabled"
)
