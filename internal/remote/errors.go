package remote

import "fmt"

// AuthError means the gateway rejected our token (HTTP 401).
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway rejected the auth token: %s (check that the client token matches "+
		"the one printed at gateway startup, or the CLAWPROXY_TOKEN the gateway was started with)", e.Detail)
}

// ForbiddenError means the gateway refused the requested working directory
// (HTTP 403).
type ForbiddenError struct {
	Detail string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("gateway refused the request: %s (the gateway restricts working directories "+
		"with a whitelist; ask the gateway operator which paths are allowed, or drop the cwd option)", e.Detail)
}

// ValidationError means the gateway could not accept the request options
// (HTTP 422).
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gateway rejected the request options: %s", e.Detail)
}

// ConnectError means the gateway could not be reached at all.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot reach gateway at %s: %v (is it running? start it with "+
		"'clawproxy --port <port>' on the gateway host)", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HTTPError covers any other non-2xx response.
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.StatusCode, e.Detail)
}
