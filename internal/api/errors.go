// ABOUTME: Error types for calls to the delivery-note backend
// ABOUTME: Distinguishes transport failures from server rejections that carry a message

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of an error response is read for its message
const maxErrorBody = 64 << 10

// TransportError is a request that never produced a usable response: the
// connection failed, timed out, or the body did not match the expected shape.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerRejection is a non-2xx response. Message holds the server-provided
// error text when the body carried one.
type ServerRejection struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unauthorized reports whether the bearer token was refused
func (e *ServerRejection) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// NotFound reports whether the resource does not exist
func (e *ServerRejection) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// CheckResponse returns nil for 2xx responses and a *ServerRejection otherwise.
// The body of a rejected response is consumed.
func CheckResponse(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	rej := &ServerRejection{Op: op, StatusCode: resp.StatusCode}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		rej.Message = payload.Error
		if rej.Message == "" {
			rej.Message = payload.Message
		}
	}
	if rej.Message == "" {
		rej.Message = strings.ToLower(http.StatusText(resp.StatusCode))
	}
	return rej
}
