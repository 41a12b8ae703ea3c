// Package ipc defines the parent/child message protocol for execution units.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Case is the discriminant selecting which payload a Message carries.
type Case string

const (
	CaseInitializeRequest  Case = "initializeRequest"
	CaseInitializeResponse Case = "initializeResponse"
	CasePingRequest        Case = "pingRequest"
	CasePongResponse       Case = "pongResponse"
	CaseShutdownRequest    Case = "shutdownRequest"
	CaseStartJobRequest    Case = "startJobRequest"
	CaseInferenceRequest   Case = "inferenceRequest"
	CaseInferenceResponse  Case = "inferenceResponse"
	CaseExiting            Case = "exiting"
	CaseDone               Case = "done"
)

// Known reports whether c belongs to the closed message set.
func (c Case) Known() bool {
	switch c {
	case CaseInitializeRequest, CaseInitializeResponse, CasePingRequest, CasePongResponse,
		CaseShutdownRequest, CaseStartJobRequest, CaseInferenceRequest, CaseInferenceResponse,
		CaseExiting, CaseDone:
		return true
	}
	return false
}

// Message is one unit of traffic on a unit's channel. Exactly one payload
// field matching Case is set; cases without payload carry none.
type Message struct {
	Case Case `json:"case"`

	Initialize        *InitializeRequest `json:"initialize,omitempty"`
	Ping              *PingRequest       `json:"ping,omitempty"`
	Pong              *PongResponse      `json:"pong,omitempty"`
	StartJob          *StartJobRequest   `json:"startJob,omitempty"`
	InferenceRequest  *InferenceRequest  `json:"inferenceRequest,omitempty"`
	InferenceResponse *InferenceResponse `json:"inferenceResponse,omitempty"`
	Exiting           *Exiting           `json:"exiting,omitempty"`
}

// LoggerOptions is how the parent tells the child to configure its logger.
type LoggerOptions struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// InitializeRequest is the first message a child must receive.
type InitializeRequest struct {
	Logger            LoggerOptions `json:"logger"`
	PingInterval      time.Duration `json:"pingInterval"`
	PingTimeout       time.Duration `json:"pingTimeout"`
	HighPingThreshold time.Duration `json:"highPingThreshold"`
	// Runners lists the inference runner ids the child must load. Empty for job units.
	Runners []string `json:"runners,omitempty"`
}

// PingRequest carries the parent's send time in unix milliseconds.
type PingRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// PongResponse echoes the ping timestamp and adds the child's own clock.
type PongResponse struct {
	LastTimestamp int64 `json:"lastTimestamp"`
	Timestamp     int64 `json:"timestamp"`
}

// RunningJobInfo describes the job a job executor runs. It is opaque to the
// supervision layer.
type RunningJobInfo struct {
	JobID               string          `json:"jobId"`
	AgentName           string          `json:"agentName"`
	Room                string          `json:"room,omitempty"`
	ParticipantIdentity string          `json:"participantIdentity,omitempty"`
	URL                 string          `json:"url,omitempty"`
	Token               string          `json:"token,omitempty"`
	UserArguments       json.RawMessage `json:"userArguments,omitempty"`
}

// StartJobRequest hands a job to a job unit.
type StartJobRequest struct {
	Job RunningJobInfo `json:"job"`
}

// InferenceRequest asks runner Method to process Data.
type InferenceRequest struct {
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// InferenceResponse answers the request with the same RequestID. Error is
// set instead of Data when the runner failed.
type InferenceResponse struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Exiting tells the parent why the child is going away.
type Exiting struct {
	Reason string `json:"reason"`
}

// Validate checks that the payload matches the discriminant.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("nil message")
	}
	var ok bool
	switch m.Case {
	case CaseInitializeRequest:
		ok = m.Initialize != nil
	case CasePingRequest:
		ok = m.Ping != nil
	case CasePongResponse:
		ok = m.Pong != nil
	case CaseStartJobRequest:
		ok = m.StartJob != nil
	case CaseInferenceRequest:
		ok = m.InferenceRequest != nil && m.InferenceRequest.RequestID != ""
	case CaseInferenceResponse:
		ok = m.InferenceResponse != nil && m.InferenceResponse.RequestID != ""
	case CaseExiting:
		ok = m.Exiting != nil
	case CaseInitializeResponse, CaseShutdownRequest, CaseDone:
		ok = true
	default:
		return fmt.Errorf("unknown message case %q", m.Case)
	}
	if !ok {
		return fmt.Errorf("message %q is missing its payload", m.Case)
	}
	return nil
}

// NowMillis returns t as unix milliseconds, the protocol's timestamp unit.
func NowMillis(t time.Time) int64 { return t.UnixMilli() }

func NewInitializeRequest(req InitializeRequest) *Message {
	return &Message{Case: CaseInitializeRequest, Initialize: &req}
}

func NewInitializeResponse() *Message { return &Message{Case: CaseInitializeResponse} }

func NewPingRequest(ts int64) *Message {
	return &Message{Case: CasePingRequest, Ping: &PingRequest{Timestamp: ts}}
}

func NewPongResponse(last, ts int64) *Message {
	return &Message{Case: CasePongResponse, Pong: &PongResponse{LastTimestamp: last, Timestamp: ts}}
}

func NewShutdownRequest() *Message { return &Message{Case: CaseShutdownRequest} }

func NewStartJobRequest(info RunningJobInfo) *Message {
	return &Message{Case: CaseStartJobRequest, StartJob: &StartJobRequest{Job: info}}
}

func NewInferenceRequest(requestID, method string, data json.RawMessage) *Message {
	return &Message{Case: CaseInferenceRequest, InferenceRequest: &InferenceRequest{
		RequestID: requestID,
		Method:    method,
		Data:      data,
	}}
}

func NewInferenceResult(requestID string, data json.RawMessage) *Message {
	return &Message{Case: CaseInferenceResponse, InferenceResponse: &InferenceResponse{
		RequestID: requestID,
		Data:      data,
	}}
}

func NewInferenceError(requestID string, err error) *Message {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Message{Case: CaseInferenceResponse, InferenceResponse: &InferenceResponse{
		RequestID: requestID,
		Error:     msg,
	}}
}

func NewExiting(reason string) *Message {
	return &Message{Case: CaseExiting, Exiting: &Exiting{Reason: reason}}
}

func NewDone() *Message { return &Message{Case: CaseDone} }
