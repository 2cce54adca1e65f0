// Package protocol defines the line-delimited JSON wire protocol spoken
// between the coordinator and worker processes over stdin/stdout.
//
// Every message is one JSON object on one line, tagged by a "type" field.
// The message set is closed: decoding rejects unknown types and unknown
// fields so a version skew between coordinator and worker surfaces as a
// protocol error instead of silently dropped data.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the wire protocol version. A worker registering with a
// different version is rejected with ErrCodeProtocolMismatch.
const Version = 1

// Message type tags.
const (
	TypeRegister = "register"
	TypeExecute  = "execute"
	TypeSuccess  = "success"
	TypeError    = "error"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeShutdown = "shutdown"
)

// Error codes carried in Error messages and coordinator-side failures.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownType      = "UNKNOWN_TYPE"
	ErrCodeUnknownTool      = "UNKNOWN_TOOL"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeWorkerCrashed    = "WORKER_CRASHED"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
)

// Message is the closed union of wire messages. Concrete types:
// *Register, *Execute, *Success, *Error, *Ping, *Pong, *Shutdown.
type Message interface {
	MessageType() string
}

// Capabilities describes what a worker can run.
type Capabilities struct {
	Tools         []string `json:"tools"`
	Languages     []string `json:"languages,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
	WarmStartMs   int      `json:"warm_start_ms,omitempty"`
	Features      []string `json:"features,omitempty"`
}

// Resources describes a worker's resource envelope.
type Resources struct {
	CPUCores int  `json:"cpu_cores"`
	MemoryMb int  `json:"memory_mb"`
	GPU      bool `json:"gpu"`
	DiskMb   int  `json:"disk_mb,omitempty"`
}

// Register is the first message a worker sends after starting.
type Register struct {
	WorkerID        string       `json:"worker_id"`
	Capabilities    Capabilities `json:"capabilities"`
	Resources       Resources    `json:"resources"`
	ProtocolVersion int          `json:"protocol_version"`
}

func (*Register) MessageType() string { return TypeRegister }

// Execute asks a worker to run one tool invocation. ID is the correlation
// id the worker must echo back in its Success or Error.
type Execute struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int             `json:"timeout_ms,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
}

func (*Execute) MessageType() string { return TypeExecute }

// ExecMetrics is optional per-execution telemetry a worker may attach.
type ExecMetrics struct {
	DurationMs float64 `json:"duration_ms,omitempty"`
	CPUMs      float64 `json:"cpu_ms,omitempty"`
	PeakRSSMb  float64 `json:"peak_rss_mb,omitempty"`
}

// Success resolves the Execute with the same correlation id.
type Success struct {
	ID              string          `json:"id"`
	Result          json.RawMessage `json:"result"`
	CacheKey        string          `json:"cache_key,omitempty"`
	CacheTTLSeconds int             `json:"cache_ttl_seconds,omitempty"`
	Metrics         *ExecMetrics    `json:"metrics,omitempty"`
}

func (*Success) MessageType() string { return TypeSuccess }

// ErrorDetail is the structured failure payload inside an Error message.
type ErrorDetail struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

func (d *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// Error resolves the Execute with the same correlation id as a failure.
type Error struct {
	ID  string      `json:"id"`
	Err ErrorDetail `json:"error"`
}

func (*Error) MessageType() string { return TypeError }

// Ping is the coordinator's liveness probe.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Ping) MessageType() string { return TypePing }

// WorkerStatus is the load snapshot a worker reports in Pong.
type WorkerStatus struct {
	QueueDepth    int     `json:"queue_depth"`
	CPUUsage      float64 `json:"cpu_usage"`
	MemoryUsageMb float64 `json:"memory_usage_mb"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Timestamp int64        `json:"timestamp"`
	Status    WorkerStatus `json:"status"`
}

func (*Pong) MessageType() string { return TypePong }

// Shutdown asks the worker to exit. Graceful drains in-flight work within
// TimeoutMs; non-graceful exits immediately.
type Shutdown struct {
	Graceful  bool `json:"graceful"`
	TimeoutMs int  `json:"timeout_ms,omitempty"`
}

func (*Shutdown) MessageType() string { return TypeShutdown }

// ValidateRegister checks a registration handshake. A failure is returned
// as an *ErrorDetail so it can be sent back on the wire verbatim.
func ValidateRegister(r *Register) error {
	if r.ProtocolVersion != Version {
		return &ErrorDetail{
			Code:    ErrCodeProtocolMismatch,
			Message: fmt.Sprintf("protocol version mismatch: got %d, expected %d", r.ProtocolVersion, Version),
		}
	}
	if r.WorkerID == "" {
		return &ErrorDetail{Code: ErrCodeValidation, Message: "register: missing worker_id"}
	}
	if len(r.Capabilities.Tools) == 0 {
		return &ErrorDetail{Code: ErrCodeValidation, Message: "register: worker advertises no tools"}
	}
	if r.Capabilities.MaxConcurrent <= 0 {
		return &ErrorDetail{Code: ErrCodeValidation, Message: "register: max_concurrent must be positive"}
	}
	return nil
}
