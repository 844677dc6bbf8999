// Package wire implements the Jupyter messaging protocol 5.3 envelope: the
// multipart frame layout, HMAC signing via session.Session, and the typed
// message union the core dispatches on.
//
// Grounded on original_source/crates/amalthea/src/wire/*.rs and the teacher's
// kernel.ComposedMsg (internal/kernel/kernel.go, kernel/messages.go).
package wire

import "encoding/json"

// ProtocolVersion is the Jupyter messaging protocol version this kernel
// speaks. Fixed at 5.3 per spec (the original source varies between 5.0 and
// 5.3 across handlers; this is not carried forward).
const ProtocolVersion = "5.3"

// Delimiter separates the ZeroMQ routing-identity prefix from the signed
// part of the message.
const Delimiter = "<IDS|MSG>"

// Header is the per-message envelope header, present on every message and
// every parent_header (where it may be the zero value for an empty {}).
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// IsZero reports whether h is an empty header (used to detect an empty
// parent_header, encoded on the wire as "{}").
func (h Header) IsZero() bool {
	return h == Header{}
}

// ComposedMessage is the decoded, high-level form of a wire message.
type ComposedMessage struct {
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      json.RawMessage

	// Buffers are the zero or more trailing binary frames the core does not
	// interpret.
	Buffers [][]byte
}

// MsgType is shorthand for Header.MsgType.
func (m *ComposedMessage) MsgType() string {
	return m.Header.MsgType
}

// Message type names recognized by the core (spec.md §3).
const (
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"

	MsgExecuteRequest = "execute_request"
	MsgExecuteReply   = "execute_reply"
	MsgExecuteInput   = "execute_input"
	MsgExecuteResult  = "execute_result"
	MsgExecuteError   = "error"

	MsgIsCompleteRequest = "is_complete_request"
	MsgIsCompleteReply   = "is_complete_reply"

	MsgCompleteRequest = "complete_request"
	MsgCompleteReply   = "complete_reply"

	MsgInspectRequest = "inspect_request"
	MsgInspectReply   = "inspect_reply"

	MsgCommInfoRequest = "comm_info_request"
	MsgCommInfoReply   = "comm_info_reply"

	MsgCommOpen  = "comm_open"
	MsgCommMsg   = "comm_msg"
	MsgCommClose = "comm_close"

	MsgStream            = "stream"
	MsgDisplayData       = "display_data"
	MsgUpdateDisplayData = "update_display_data"
	MsgStatus            = "status"

	MsgInputRequest = "input_request"
	MsgInputReply   = "input_reply"

	MsgInterruptRequest = "interrupt_request"
	MsgInterruptReply   = "interrupt_reply"

	MsgShutdownRequest = "shutdown_request"
	MsgShutdownReply   = "shutdown_reply"

	MsgDebugRequest = "debug_request"
	MsgDebugReply   = "debug_reply"
	MsgDebugEvent   = "debug_event"
)

// ExecutionState is the status enum broadcast on IOPub: busy and idle, plus
// starting.
type ExecutionState string

const (
	StatusBusy  ExecutionState = "busy"
	StatusIdle  ExecutionState = "idle"
	StatusStart ExecutionState = "starting"
)

// --- Content structs -------------------------------------------------------
//
// Each mirrors the corresponding original_source/crates/amalthea/src/wire/*.rs
// struct's JSON shape.

type KernelInfoRequestContent struct{}

type LanguageInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	MIMEType          string `json:"mimetype"`
	FileExtension     string `json:"file_extension"`
	PygmentsLexer     string `json:"pygments_lexer"`
	CodeMirrorMode    any    `json:"codemirror_mode"`
	NBConvertExporter string `json:"nbconvert_exporter"`
}

type HelpLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type KernelInfoReplyContent struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
	Debugger              bool         `json:"debugger"`
	HelpLinks             []HelpLink   `json:"help_links"`
}

type ExecuteRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type ExecuteReplyContent struct {
	Status          string         `json:"status"`
	ExecutionCount  int            `json:"execution_count"`
	UserExpressions map[string]any `json:"user_expressions,omitempty"`

	// Populated when Status == "error".
	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// MIMEBundle maps MIME types to their representation of a value. Every
// bundle should carry at least a "text/plain" entry.
type MIMEBundle = map[string]any

type ExecuteResultContent struct {
	ExecutionCount int        `json:"execution_count"`
	Data           MIMEBundle `json:"data"`
	Metadata       MIMEBundle `json:"metadata"`
}

type ExecuteErrorContent struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type IsCompleteRequestContent struct {
	Code string `json:"code"`
}

type IsCompleteReplyContent struct {
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}

type CompleteRequestContent struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

type CompleteReplyContent struct {
	Status      string     `json:"status"`
	Matches     []string   `json:"matches"`
	CursorStart int        `json:"cursor_start"`
	CursorEnd   int        `json:"cursor_end"`
	Metadata    MIMEBundle `json:"metadata"`
}

type InspectRequestContent struct {
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

type InspectReplyContent struct {
	Status   string     `json:"status"`
	Found    bool       `json:"found"`
	Data     MIMEBundle `json:"data"`
	Metadata MIMEBundle `json:"metadata"`
}

type CommInfoRequestContent struct {
	TargetName string `json:"target_name,omitempty"`
}

type CommInfoEntry struct {
	TargetName string `json:"target_name"`
}

type CommInfoReplyContent struct {
	Status string                   `json:"status"`
	Comms  map[string]CommInfoEntry `json:"comms"`
}

type CommOpenContent struct {
	CommID     string         `json:"comm_id"`
	TargetName string         `json:"target_name"`
	Data       map[string]any `json:"data"`
}

type CommMsgContent struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data"`
}

type CommCloseContent struct {
	CommID string         `json:"comm_id"`
	Data   map[string]any `json:"data,omitempty"`
}

type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

type DisplayDataContent struct {
	Data      MIMEBundle `json:"data"`
	Metadata  MIMEBundle `json:"metadata"`
	Transient MIMEBundle `json:"transient,omitempty"`
}

type StatusContent struct {
	ExecutionState ExecutionState `json:"execution_state"`
}

type InputRequestContent struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

type InputReplyContent struct {
	Value string `json:"value"`
}

type InterruptRequestContent struct{}

type InterruptReplyContent struct {
	Status string `json:"status"`
}

type ShutdownRequestContent struct {
	Restart bool `json:"restart"`
}

type ShutdownReplyContent struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

type DebugRequestContent struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	Seq     int            `json:"seq"`
	Args    map[string]any `json:"arguments,omitempty"`
}

type DebugReplyContent = DebugRequestContent

type DebugEventContent struct {
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Seq   int            `json:"seq"`
	Body  map[string]any `json:"body,omitempty"`
}
