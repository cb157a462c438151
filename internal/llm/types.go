// Package llm is a small client for an OpenAI-compatible chat-completion endpoint.
package llm

import (
	"encoding/json"
	"strings"
)

// ChatRequest is the request body for /v1/chat/completions.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Temperature    *float32        `json:"temperature,omitempty"`
	TopP           *float32        `json:"top_p,omitempty"`
}

// Message is one role-tagged chat message.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is either a plain string or a list of typed parts.
type Content struct {
	Text  string
	Parts []Part
}

// Part is one segment of multi-part content.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline image as a data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextContent returns string content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// PartsContent returns multi-part content.
func PartsContent(parts ...Part) Content {
	return Content{Parts: parts}
}

// String returns the text of the content, concatenating text parts.
func (c Content) String() string {
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" || (p.Type == "" && p.Text != "") {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// MarshalJSON encodes string content as a JSON string and parts as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	*c = Content{}
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null" || trimmed == "":
		return nil
	case strings.HasPrefix(trimmed, "["):
		var parts []Part
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []Part{}
		}
		c.Parts = parts
		return nil
	default:
		return json.Unmarshal(data, &c.Text)
	}
}

// ResponseFormat asks the endpoint for a structured response.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema is a named schema for json_schema responses.
type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

// ChatResponse is the response body of a chat completion.
type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}
