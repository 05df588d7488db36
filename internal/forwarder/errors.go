package forwarder

import "fmt"

// APIError is returned in strict mode when the API answers with a status
// other than 200, 404 or 500. Payload holds the decoded JSON body, or the
// raw body as a string when it is not valid JSON.
type APIError struct {
	URL        string
	StatusCode int
	Payload    any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s returned status %d: %v", e.URL, e.StatusCode, e.Payload)
}

// TransportError wraps network-level failures talking to the API.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("post %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
