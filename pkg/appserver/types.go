package appserver

import "encoding/json"

// Request is a JSON-RPC request. The app-server protocol is line-delimited
// JSON-RPC without the "jsonrpc":"2.0" field.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a JSON-RPC notification (no id, no response).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request methods (client → agent).
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodModelList     = "model/list"
)

// Notification methods (agent → client).
const (
	NotifyThreadStarted             = "thread/started"
	NotifyTurnStarted               = "turn/started"
	NotifyTurnCompleted             = "turn/completed"
	NotifyItemStarted               = "item/started"
	NotifyItemCompleted             = "item/completed"
	NotifyItemAgentMessageDelta     = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta    = "item/reasoning/textDelta"
	NotifyItemCmdExecOutputDelta    = "item/commandExecution/outputDelta"
	NotifyTokenCount                = "token_count"
	NotifyError                     = "error"
)

// InitializeParams for initialize.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the controlling process.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

// Thread is one agent conversation.
type Thread struct {
	ID      string `json:"id"`
	Preview string `json:"preview,omitempty"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// UserInput is one input element of a turn.
type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn is one request/response exchange within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
}

// TurnCompletedParams for the turn/completed notification.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// TokenCountParams for the token_count notification.
type TokenCountParams struct {
	ThreadID string      `json:"threadId,omitempty"`
	Usage    *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage is cumulative token accounting for a thread.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}
