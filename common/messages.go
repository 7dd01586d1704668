package common

import (
	"encoding/json"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
)

// Message is the envelope for everything the platform sends us.
// The header fields are always present, then exactly one of the
// payload fields is set. An envelope with none of them set decodes
// fine but is rejected at dispatch.
type Message struct {
	// Header always specified.
	Version        uint64 `json:"version"`
	IdempotencyKey string `json:"idempotency_key"`

	// One of the following will be specified.
	HeartBeat        *HeartBeatMessage        `json:"heartbeat,omitempty"`
	ErrorReport      *ErrorReportMessage      `json:"error_report,omitempty"`
	ConfigValidation *ConfigValidationMessage `json:"conf_validation,omitempty"`
	SchemaRequest    *SchemaRequestMessage    `json:"schema_request,omitempty"`
	Request          *RequestMessage          `json:"request,omitempty"`
	Event            *EventMessage            `json:"event,omitempty"`
}

type HeartBeatMessage struct{}
type HeartBeatResponse struct{}

type SchemaRequestMessage struct{}

type SchemaRequestResponse struct {
	Views          []View         `json:"views"`
	Config         SchemaObject   `json:"config_schema"`
	Request        RequestSchemas `json:"request_schema"`
	RequiredEvents []EventName    `json:"required_events"`
}

// ErrorReport is fire-and-forget: the platform tells us something
// went wrong on its side, we have nothing to answer.
type ErrorReportMessage struct {
	Oid   string `json:"oid,omitempty"`
	Error string `json:"error"`
}

type ConfigValidationMessage struct {
	Org    OrgAccessData    `json:"org"`
	Config limacharlie.Dict `json:"conf"`
}

type ConfigValidationResponse struct{}

// OrgAccessData is the per-call credential set for one tenant.
// The JWT is short lived, none of this is ever persisted.
type OrgAccessData struct {
	OID   string `json:"oid"`
	JWT   string `json:"jwt"`
	Ident string `json:"ident,omitempty"`
}

type ActionName = string
type EventName = string

type RequestMessage struct {
	Org             OrgAccessData            `json:"org"`
	Action          ActionName               `json:"action"`
	Data            limacharlie.Dict         `json:"data"`
	Config          limacharlie.Dict         `json:"config,omitempty"`
	ResourceState   map[string]ResourceState `json:"resource_state,omitempty"`
	InvestigationID string                   `json:"inv_id,omitempty"`
}

// ResourceState is opaque continuation state the platform carries
// for us between invocations of the same logical task.
type ResourceState struct {
	ResourceVersion uint64           `json:"res_ver,omitempty"`
	State           limacharlie.Dict `json:"state,omitempty"`
}

type EventMessage struct {
	Org       OrgAccessData    `json:"org"`
	EventName EventName        `json:"event_name"`
	Data      limacharlie.Dict `json:"data"`
	Config    limacharlie.Dict `json:"config,omitempty"`
}

// ContinuationRequest asks the platform to re-invoke the named
// action after a delay, handing State back verbatim. The engine
// only round-trips these, all scheduling is on the platform side.
type ContinuationRequest struct {
	InDelaySec uint64           `json:"in_delay_sec"`
	Action     ActionName       `json:"action"`
	State      limacharlie.Dict `json:"state,omitempty"`
}

type Response struct {
	Error             string                `json:"error,omitempty"`
	Version           uint64                `json:"version"`
	Data              interface{}           `json:"data"`
	Metrics           []Metric              `json:"metrics,omitempty"`
	Continuations     []ContinuationRequest `json:"continuations,omitempty"`
	Retriable         *bool                 `json:"retriable,omitempty"`
	SensorStateChange *SensorUpdate         `json:"ssc,omitempty"` // For internal use only.
}

// IsRetriable reports whether a failed Response should be retried
// by the platform. Unset means retriable, this asymmetry is part
// of the protocol and drives the HTTP status code selection.
func (r Response) IsRetriable() bool {
	return r.Retriable == nil || *r.Retriable
}

// MarshalJSON substitutes an empty object for a nil Data so the
// platform always receives "data": {}.
func (r Response) MarshalJSON() ([]byte, error) {
	type alias Response
	a := alias(r)
	if a.Data == nil {
		a.Data = limacharlie.Dict{}
	}
	return json.Marshal(a)
}

// For internal use only.
type SensorUpdate struct {
	SID         string                 `json:"sid" msgpack:"sid"`
	CollectorID string                 `json:"col_id" msgpack:"col_id"`
	UpdateTS    uint64                 `json:"update_ts" msgpack:"update_ts"`
	Data        map[string]interface{} `json:"data" msgpack:"data"`
}

var EventTypes = struct {
	Subscribe   string
	Unsubscribe string
	Detection   string
}{
	Subscribe:   "subscribe",
	Unsubscribe: "unsubscribe",
	Detection:   "detection",
}
