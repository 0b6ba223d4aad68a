package preview

import "errors"

var (
	// ErrRouting indicates no deployment is registered for the tenant.
	ErrRouting = errors.New("preview: unknown team")
	// ErrNotRunning indicates the deployment exists but is not serving.
	ErrNotRunning = errors.New("preview: deployment not running")
	// ErrUpstreamTimeout indicates the deployment did not become ready in time.
	ErrUpstreamTimeout = errors.New("preview: upstream timeout")
)
