package fileops

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wide-ide/wide/internal/protocol"
)

// Kind classifies a failed action.
type Kind int

const (
	KindNone Kind = iota
	KindBadRequest
	KindForbidden
	KindNotFound
	KindUnauthorized
	KindMisconfigured
	KindTooManyRequests
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindMisconfigured:
		return "misconfigured"
	case KindTooManyRequests:
		return "too_many_requests"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// HTTPStatus is the status used where a failure is reported without an
// envelope (load).
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNone:
		return http.StatusOK
	case KindBadRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Result is the outcome of one dispatched action.
//
// Content is set only by a successful load; every other result is
// rendered as the JSON envelope {status, msg, debug?, ...payload}.
type Result struct {
	Status      int
	Kind        Kind
	Message     string
	Debug       string
	Payload     any
	Content     []byte
	ContentType string
}

// Success builds a successful envelope. payload must marshal to a JSON
// object, or be nil.
func Success(msg string, payload any) Result {
	return Result{Status: protocol.StatusSuccess, Message: msg, Payload: payload}
}

// Failure builds a failed envelope.
func Failure(kind Kind, msg string) Result {
	return Result{Status: protocol.StatusFailure, Kind: kind, Message: msg}
}

// Content builds a successful raw-bytes result.
func Content(data []byte, contentType string) Result {
	return Result{Status: protocol.StatusSuccess, Content: data, ContentType: contentType}
}

// WithDebug attaches the quoted project-relative path a failure concerned.
func (r Result) WithDebug(rel string) Result {
	r.Debug = "'" + rel + "'"
	return r
}

// OK reports whether the action succeeded.
func (r Result) OK() bool {
	return r.Status == protocol.StatusSuccess
}

// IsContent reports whether the result carries raw file bytes.
func (r Result) IsContent() bool {
	return r.OK() && r.Content != nil
}

// MarshalJSON renders the envelope with the payload fields merged in.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage)
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}
	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = raw
		return nil
	}
	if err := set("status", r.Status); err != nil {
		return nil, err
	}
	if err := set("msg", r.Message); err != nil {
		return nil, err
	}
	if r.Debug != "" {
		if err := set("debug", r.Debug); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}
