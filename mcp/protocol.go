// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	internaljson "github.com/ferrite-labs/mcpstream/internal/json"
)

// Meta holds the "_meta" field shared by most protocol message types. Its
// "progressToken" entry correlates progress notifications with the request
// that requested them.
type Meta map[string]any

const progressTokenKey = "progressToken"

func getProgressToken(m Meta) (any, bool) {
	if m == nil {
		return nil, false
	}
	tok, ok := m[progressTokenKey]
	return tok, ok
}

func setProgressToken(m Meta, tok any) Meta {
	if m == nil {
		m = Meta{}
	}
	m[progressTokenKey] = tok
	return m
}

// metaHolder is embedded by every params/result type that carries "_meta".
type metaHolder struct {
	Meta Meta `json:"_meta,omitempty"`
}

func (h *metaHolder) GetMeta() Meta  { return h.Meta }
func (h *metaHolder) SetMeta(m Meta) { h.Meta = m }

// Role distinguishes the originator of a message in a sampling exchange.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Icon is a resolvable icon reference, as attached to tools and resources.
type Icon struct {
	Source   string `json:"source"`
	MIMEType string `json:"mimeType,omitempty"`
}

// Annotations carries optional, client-facing hints about content or tools.
type Annotations struct {
	Audience     []Role  `json:"audience,omitempty"`
	Priority     float64 `json:"priority,omitempty"`
	LastModified string  `json:"lastModified,omitempty"`
}

// Implementation describes an implementation's name and version, used by
// both clients and servers when identifying themselves during initialize.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ToolCapabilities describes the tools capability block.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapabilities describes the logging capability block.
type LoggingCapabilities struct{}

// RootCapabilities describes root-listing support.
type RootCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ClientCapabilities describes what a client supports.
type ClientCapabilities struct {
	Roots *RootCapabilities `json:"roots,omitempty"`
}

// ServerCapabilities describes what a server supports.
type ServerCapabilities struct {
	Logging *LoggingCapabilities `json:"logging,omitempty"`
	Tools   *ToolCapabilities    `json:"tools,omitempty"`
}

// InitializeParams are the parameters to an initialize request.
type InitializeParams struct {
	metaHolder
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the result of an initialize request.
type InitializeResult struct {
	metaHolder
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// InitializedParams are the parameters of the initialized notification a
// client sends once it has processed the initialize result.
type InitializedParams struct {
	metaHolder
}

// CallToolParams are the parameters to a tools/call request, after argument
// unmarshaling: Arguments holds the json.RawMessage for schema validation
// until a serverTool resolves it into a typed value.
type CallToolParams struct {
	metaHolder
	Name      string `json:"name"`
	Arguments any    `json:"arguments,omitempty"`
}

// CallToolParamsRaw is the wire shape of a tools/call request, with
// Arguments captured verbatim.
type CallToolParamsRaw struct {
	metaHolder
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result of a tools/call request.
type CallToolResult struct {
	metaHolder
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// MarshalJSON ensures Content is emitted as "[]" rather than "null" for a
// zero-value result.
func (r *CallToolResult) MarshalJSON() ([]byte, error) {
	type wire CallToolResult
	w := wire(*r)
	if w.Content == nil {
		w.Content = []Content{}
	}
	return internaljson.Marshal(w)
}

func (r *CallToolResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		metaHolder
		Content           json.RawMessage `json:"content"`
		StructuredContent any             `json:"structuredContent,omitempty"`
		IsError           bool            `json:"isError,omitempty"`
	}
	if err := internaljson.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := unmarshalContent(raw.Content, nil)
	if err != nil {
		return err
	}
	r.metaHolder = raw.metaHolder
	r.Content = content
	r.StructuredContent = raw.StructuredContent
	r.IsError = raw.IsError
	return nil
}

// ProgressNotificationParams are the parameters of a notifications/progress
// message, sent in reply to a request that included a progress token.
type ProgressNotificationParams struct {
	metaHolder
	ProgressToken any     `json:"progressToken"`
	Message       string  `json:"message,omitempty"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

// LoggingLevel is one of the RFC 5424 severity levels used by the logging
// capability.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

// ToolAnnotations gives hints about a tool's behavior.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Tool describes a tool that a server makes available to clients.
type Tool struct {
	Name         string                `json:"name"`
	Title        string                `json:"title,omitempty"`
	Description  string                `json:"description,omitempty"`
	InputSchema  *jsonschema.Schema    `json:"inputSchema"`
	OutputSchema *jsonschema.Schema    `json:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations      `json:"annotations,omitempty"`
	Icons        []Icon                `json:"icons,omitempty"`

	// newArgs constructs a zero value to unmarshal call arguments into. Set by
	// newServerTool/newTypedServerTool; excluded from the wire format.
	newArgs func() any `json:"-"`
}
