package httpclient

import "fmt"

// RouteNotFoundError is returned at call time when no route is bound for an
// operation id.
type RouteNotFoundError struct {
	OperationID string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route bound for operation %q", e.OperationID)
}

// StatusError is returned when the upstream API answers with a non-2xx
// status. The decoded response is kept so callers can surface it.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	if e.Response == nil {
		return "upstream request failed"
	}
	return fmt.Sprintf("upstream responded with status %d", e.Response.Status)
}
