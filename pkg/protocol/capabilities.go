package protocol

import (
	"encoding/json"
)

// CapabilityKind selects one of the capability families a registry serves
type CapabilityKind string

const (
	KindTool     CapabilityKind = "tools"
	KindResource CapabilityKind = "resources"
	KindPrompt   CapabilityKind = "prompts"
)

// Capability describes one named operation: a tool, a resource or a prompt.
// Resources are addressed by URI, tools and prompts by Name.
type Capability struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	URI         string           `json:"uri,omitempty"`
	MimeType    string           `json:"mimeType,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// Key returns the identifier used to call the capability
func (c Capability) Key(kind CapabilityKind) string {
	if kind == KindResource && c.URI != "" {
		return c.URI
	}
	return c.Name
}

// RequiredArguments lists the argument names a caller must supply.
// For tools they come from the input schema's "required" array.
func (c Capability) RequiredArguments() []string {
	if len(c.Arguments) > 0 {
		var names []string
		for _, a := range c.Arguments {
			if a.Required {
				names = append(names, a.Name)
			}
		}
		return names
	}
	if len(c.InputSchema) == 0 {
		return nil
	}
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(c.InputSchema, &schema); err != nil {
		return nil
	}
	return schema.Required
}

// PromptArgument describes one prompt template argument
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Content block types
const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentResource = "resource_link"
)

// ContentBlock is one piece of capability output
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextContent returns a text block
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ImageContent returns a base64 image block
func ImageContent(data, mimeType string) ContentBlock {
	return ContentBlock{Type: ContentImage, Data: data, MimeType: mimeType}
}

// ResourceLink returns a block pointing at a resource URI
func ResourceLink(uri, mimeType string) ContentBlock {
	return ContentBlock{Type: ContentResource, URI: uri, MimeType: mimeType}
}

// CallResult is what a registry returns for an executed capability
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// CallParams carries tools/call and prompts/get parameters
type CallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ReadResourceParams carries resources/read parameters
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one entry of a resources/read result
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// PromptMessage is one entry of a prompts/get result
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// MakeCapabilityListResult builds the result object of a */list method,
// e.g. {"tools":[...]} for tools.
func MakeCapabilityListResult(kind CapabilityKind, items []Capability) map[string]interface{} {
	if items == nil {
		items = []Capability{}
	}
	return map[string]interface{}{string(kind): items}
}

// MakeCallResult shapes a registry result into the wire result of the
// corresponding call method.
func MakeCallResult(kind CapabilityKind, key string, res *CallResult) interface{} {
	if res == nil {
		res = &CallResult{}
	}
	content := res.Content
	if content == nil {
		content = []ContentBlock{}
	}

	switch kind {
	case KindResource:
		contents := make([]ResourceContents, 0, len(content))
		for _, block := range content {
			rc := ResourceContents{URI: key, MimeType: block.MimeType}
			if block.URI != "" {
				rc.URI = block.URI
			}
			if block.Type == ContentText {
				rc.Text = block.Text
			} else {
				rc.Blob = block.Data
			}
			contents = append(contents, rc)
		}
		return map[string]interface{}{"contents": contents}
	case KindPrompt:
		messages := make([]PromptMessage, 0, len(content))
		for _, block := range content {
			messages = append(messages, PromptMessage{Role: "user", Content: block})
		}
		return map[string]interface{}{"messages": messages}
	default:
		return &CallResult{Content: content, IsError: res.IsError}
	}
}
