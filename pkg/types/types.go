package types

import (
	"math"
	"strconv"
	"time"
)

// Payload keys shared by the bindings
const (
	KeyAppID            = "appid"
	KeyType             = "type"
	KeyUUID             = "uuid"
	KeySurface          = "surface"
	KeyDestination      = "destination"
	KeyServiceSurface   = "service_surface"
	KeyRequestSurfaceID = "request_surface_id"
	KeyMapSurface       = "map_surface"
	KeyDrawingName      = "drawing_name"
)

// Failure codes replied to callers
const (
	CodeBadRequest        = "bad-request"
	CodeUUIDMissing       = "uuid missing"
	CodeWMCallFailed      = "failed to call window manager verb"
	CodeWMNoUUID          = "window manager doesn't return uuid"
	CodeBrokerCallFailed  = "failed to call surface broker verb"
	CodeLedgerUnavailable = "surface ledger unavailable"
)

// RequestType "local" marks a request issued from the same host
const RequestTypeLocal = "local"

// Payload is a loosely typed JSON document. Field presence, not a schema,
// decides behavior.
type Payload map[string]any

// String returns the value for key when it is a non-empty string.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Clone returns a deep copy of nested maps and slices.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case Payload:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// SurfaceID is the opaque surface token handed out by the window manager.
// It may be an integer or a string.
type SurfaceID string

// SurfaceIDFrom normalizes a decoded JSON value into a SurfaceID.
func SurfaceIDFrom(v any) (SurfaceID, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return SurfaceID(t), true
	case float64:
		// NaN fails the first test, infinities the range.
		if t != math.Trunc(t) || t < -(1<<63) || t >= 1<<63 {
			return "", false
		}
		return SurfaceID(strconv.FormatInt(int64(t), 10)), true
	case int:
		return SurfaceID(strconv.Itoa(t)), true
	case int64:
		return SurfaceID(strconv.FormatInt(t, 10)), true
	default:
		return "", false
	}
}

// Value returns the id as an int64 when numeric, otherwise as a string.
func (s SurfaceID) Value() any {
	if n, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		return n
	}
	return string(s)
}

// SurfaceRequest is the transient activation record for one provisioning
// attempt. ServiceID is only used for tracing.
type SurfaceRequest struct {
	ServiceID uint64
	AppID     string
	Label     string
	Session   string
	Args      Payload
}

// SurfaceAttachment is the window manager's answer to an attach request.
// A UUID denotes exactly one in-flight attachment.
type SurfaceAttachment struct {
	UUID      string    `json:"uuid"`
	Surface   SurfaceID `json:"surface,omitempty"`
	AppID     string    `json:"appid"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestState is a step of the broker's request state machine
type RequestState string

const (
	StateReceived          RequestState = "received"
	StateValidated         RequestState = "validated"
	StateAttachRequested   RequestState = "attach_requested"
	StateAttached          RequestState = "attached"
	StateUINotifyRequested RequestState = "ui_notify_requested"
	StateCompleted         RequestState = "completed"
	StateFailed            RequestState = "failed"
)

// Terminal reports whether no transition may leave the state.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
