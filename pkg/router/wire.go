package router

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors forming the send/reply taxonomy. Callers classify
// with errors.Is.
var (
	// ErrConnection means the device is unreachable: no live socket on
	// any host. Transient for job sends.
	ErrConnection = errors.New("device connection error")

	// ErrTimeout means no reply arrived within the send budget.
	ErrTimeout = errors.New("timeout waiting for device reply")

	// ErrValidation means the device replied success but the payload
	// did not match the expected schema. Never retried automatically.
	ErrValidation = errors.New("device reply validation failed")
)

// Envelope is the outbound device wire message.
type Envelope struct {
	Seq    string      `json:"seq"`
	HostID string      `json:"hostId"`
	Msg    interface{} `json:"msg"`
	JobID  string      `json:"jobid,omitempty"`
}

// Reply is the inbound device wire message.
type Reply struct {
	Seq string    `json:"seq"`
	Msg ReplyBody `json:"msg"`
}

// ReplyBody carries the device's application-level result. OK=1 signals
// success; Message is the reply payload (or error details on failure).
type ReplyBody struct {
	OK      int             `json:"ok"`
	Message json.RawMessage `json:"message"`
}

// DeviceError wraps an application-level failure reported by the device
// itself, as opposed to a transport or schema problem.
type DeviceError struct {
	Detail string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported error: %s", e.Detail)
}

// Validator checks a successful reply payload against the schema the
// caller expects. It runs only when the device reported success.
type Validator func(payload json.RawMessage) error
