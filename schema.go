package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// RequestID identifies a request-response pair. Ids issued by this package are
// always numeric; ids received from a peer may be strings and are echoed back
// unchanged.
type RequestID struct {
	num   int64
	str   string
	isStr bool
}

// JSONRPCMessage represents a JSON-RPC 2.0 message. Which fields are set decides its Kind:
//   - Request: ID and Method
//   - Notification: Method only
//   - Result: ID and Result
//   - Error: Error, with ID when the peer could tell which request failed
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// MessageKind is the shape of a decoded JSONRPCMessage.
type MessageKind int

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol. It is
// returned as-is to callers whose request the peer rejected.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	// Cursor is an optional pagination cursor from a previous ListPrompts call.
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptResult represents a paginated list of prompts returned by ListPrompts.
type ListPromptResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	Name string `json:"name"`
	// Arguments must satisfy the required arguments declared by the prompt.
	Arguments map[string]string `json:"arguments,omitempty"`
	Meta      *ParamsMeta       `json:"_meta,omitempty"`
}

// GetPromptResult represents the result of a prompt request.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult represents a paginated list of resources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	URI  string      `json:"uri"`
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult represents the result of a read resource request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams contains parameters for listing available resource templates.
type ListResourceTemplatesParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListResourceTemplatesResult represents the result of a list resource templates request.
type ListResourceTemplatesResult struct {
	Templates  []ResourceTemplate `json:"resourceTemplates"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	Name string `json:"name"`
	// Arguments is a JSON object that must satisfy the tool's InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *ParamsMeta     `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError reports a
// tool-level failure; the details are in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// RootList is the result of a roots/list request.
type RootList struct {
	Roots []Root `json:"roots"`
}

// LogParams is the payload of a notifications/message notification.
type LogParams struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Info contains the name and version of a client or server implementation.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent by the client as the first request of a session.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the peer's answer to InitializeParams.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Prompt describes a prompt template offered by the peer.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage represents a message in a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// Content represents a message content with its type.
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// Annotations tell the client how an object is meant to be used or displayed.
type Annotations struct {
	Audience []Role `json:"audience,omitempty"`
	// Priority ranges from 0 (optional) to 1 (effectively required).
	Priority float64 `json:"priority,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Resource describes a readable resource exposed by the peer.
type Resource struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// ResourceTemplate defines a template for generating resource URIs.
type ResourceTemplate struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// Tool defines a callable tool with its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Root represents a root directory or file that the server can operate on.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// LogLevel is the severity carried by a notifications/message notification.
type LogLevel string

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	ProgressToken RequestID `json:"progressToken"`
	Progress      float64   `json:"progress"`
	// Total is zero when unknown.
	Total float64 `json:"total,omitempty"`
}

// ParamsMeta carries the optional progress token of a request.
type ParamsMeta struct {
	ProgressToken *RequestID `json:"progressToken,omitempty"`
}

// CancelledParams is the payload of notifications/cancelled.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// Message kinds, as classified by JSONRPCMessage.Kind. KindInvalid marks a
// message that fits none of the JSON-RPC shapes.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResult
	KindError
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the MCP revision announced during initialize.
	ProtocolVersion = "2024-11-05"

	MethodInitialize = "initialize"
	MethodPing       = "ping"

	MethodPromptsList = "prompts/list"
	MethodPromptsGet  = "prompts/get"

	MethodResourcesList          = "resources/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesTemplatesList = "resources/templates/list"

	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"

	MethodRootsList = "roots/list"

	MethodNotificationsInitialized          = "notifications/initialized"
	MethodNotificationsCancelled            = "notifications/cancelled"
	MethodNotificationsProgress             = "notifications/progress"
	MethodNotificationsMessage              = "notifications/message"
	MethodNotificationsRootsListChanged     = "notifications/roots/list_changed"
	MethodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	MethodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"

	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var nullJSON = []byte("null")

// NumericID returns a numeric RequestID.
func NumericID(n int64) RequestID {
	return RequestID{num: n}
}

// StringID returns a string RequestID.
func StringID(s string) RequestID {
	return RequestID{str: s, isStr: true}
}

// Int64 reports the numeric value of the id. String ids holding a decimal
// number convert too, since some peers echo numeric ids back as strings.
func (r RequestID) Int64() (int64, bool) {
	if !r.isStr {
		return r.num, true
	}
	n, err := strconv.ParseInt(r.str, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsString reports whether the id was a JSON string on the wire.
func (r RequestID) IsString() bool {
	return r.isStr
}

func (r RequestID) String() string {
	if r.isStr {
		return r.str
	}
	return strconv.FormatInt(r.num, 10)
}

// MarshalJSON encodes the id as a JSON number or string, matching how it was created.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.isStr {
		return json.Marshal(r.str)
	}
	return strconv.AppendInt(nil, r.num, 10), nil
}

// UnmarshalJSON accepts an integer or a string.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "failed to decode string id")
		}
		*r = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return errors.Errorf("invalid id: %s", data)
	}
	*r = NumericID(n)
	return nil
}

// Kind classifies the message by the fields it carries.
func (m JSONRPCMessage) Kind() MessageKind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Error != nil:
		return KindError
	case m.ID != nil:
		return KindResult
	default:
		return KindInvalid
	}
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// NewRequest builds a request message. Params that cannot be encoded are
// reported here so the caller's send fails before anything is queued.
func NewRequest(id RequestID, method string, params any) (JSONRPCMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return JSONRPCMessage{}, errors.Wrapf(err, "failed to encode params of %s", method)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification message, which never carries an id.
func NewNotification(method string, params any) (JSONRPCMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return JSONRPCMessage{}, errors.Wrapf(err, "failed to encode params of %s", method)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResult builds a success reply. A nil result is sent as an empty object.
func NewResult(id RequestID, result any) (JSONRPCMessage, error) {
	raw := json.RawMessage("{}")
	if result != nil {
		bs, err := json.Marshal(result)
		if err != nil {
			return JSONRPCMessage{}, errors.Wrap(err, "failed to encode result")
		}
		raw = bs
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Result:  raw,
	}, nil
}

// NewError builds an error reply.
func NewError(id RequestID, rpcErr JSONRPCError) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Error:   &rpcErr,
	}
}

// EncodeMessage marshals msg and appends the newline frame boundary.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message")
	}
	return append(bs, '\n'), nil
}

// DecodeMessage parses one frame. Unknown fields are ignored; a wrong version
// or a shape that is none of the four message kinds is an error.
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, errors.Wrap(err, "failed to unmarshal message")
	}
	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, errors.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Kind() == KindInvalid {
		return JSONRPCMessage{}, errors.New("message is neither request, notification nor response")
	}
	return msg, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bs, nullJSON) {
		return nil, nil
	}
	return bs, nil
}

func (j JSONRPCError) Error() string {
	if j.Data != nil {
		return fmt.Sprintf("request error, code: %d, message: %s, data: %v", j.Code, j.Message, j.Data)
	}
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}
