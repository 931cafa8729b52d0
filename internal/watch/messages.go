// internal/watch/messages.go
package watch

import (
	"encoding/json"
	"time"

	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/historian"
)

// Message types. Server pushes: session, data, status, subscriptions, result.
// Everything else is a client request answered by one result.
const (
	TypeSession       = "session"
	TypeData          = "data"
	TypeStatus        = "status"
	TypeSubscriptions = "subscriptions"
	TypeResult        = "result"

	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeWrite            = "write"
	TypeRead             = "read"
	TypeSymbols          = "symbols"
	TypeGetLoggingConfig = "get_logging_config"
	TypeSetLoggingConfig = "set_logging_config"
	TypeSetLoggingTag    = "set_logging_tag"
	TypeRemoveLoggingTag = "remove_logging_tag"
	TypeApplyLogging     = "apply_logging_config"
	TypeResume           = "resume"
)

// Envelope is the wire frame of every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func newEnvelope(typ, id string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// ---- server payloads ----

type SessionPayload struct {
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed"`
}

// SubscriptionsPayload is the ordered symbol list of one controller.
type SubscriptionsPayload struct {
	Controller string   `json:"controller"`
	Symbols    []string `json:"symbols"`
}

type ResultPayload struct {
	Request string          `json:"request"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Results map[string]bool `json:"results,omitempty"`
	Value   any             `json:"value,omitempty"`
}

// ---- client payloads ----

type SubscribeRequest struct {
	Controller string `json:"controller"`
	Symbol     string `json:"symbol"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
}

type UnsubscribeRequest struct {
	Controller string `json:"controller"`
	Symbol     string `json:"symbol"`
}

type WriteRequest struct {
	Controller string         `json:"controller"`
	Values     map[string]any `json:"values"`
}

type ReadRequest struct {
	Controller string `json:"controller"`
	Symbol     string `json:"symbol"`
}

type SymbolsRequest struct {
	Controller string `json:"controller"`
}

// SymbolsValue is the value of a symbols result.
type SymbolsValue struct {
	Controller string                                 `json:"controller"`
	Symbols    map[string]controller.SymbolDescriptor `json:"symbols"`
}

type SetLoggingConfigRequest struct {
	Configs map[string]historian.Config `json:"configs"`
}

type SetLoggingTagRequest struct {
	Controller string        `json:"controller"`
	Tag        historian.Tag `json:"tag"`
}

type RemoveLoggingTagRequest struct {
	Controller string `json:"controller"`
	Symbol     string `json:"symbol"`
}

type ResumeRequest struct {
	SessionID string `json:"session_id"`
}
