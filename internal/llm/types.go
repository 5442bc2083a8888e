package llm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Message is one role-tagged chat message. When Parts is non-empty the
// message is sent as multimodal content and Content is ignored.
type Message struct {
	Role    string
	Content string
	Parts   []Part
}

// Part is one element of multimodal message content.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content []Part `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

// System and User build plain text messages.
func System(text string) Message { return Message{Role: "system", Content: text} }
func User(text string) Message   { return Message{Role: "user", Content: text} }

// TextPart and ImagePart build multimodal content parts.
func TextPart(text string) Part { return Part{Type: "text", Text: text} }
func ImagePart(url string) Part { return Part{Type: "image_url", ImageURL: &ImageURL{URL: url}} }

// Options tunes one completion call.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// DefaultOptions matches the settings used by most call sites.
var DefaultOptions = Options{Temperature: 0.2, MaxTokens: 2048}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// content extracts the first choice's text. Content may be a string or a list
// of parts, in which case the text parts are concatenated.
func (r chatResponse) content() (string, error) {
	if len(r.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}
	raw := r.Choices[0].Message.Content
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("response has no content")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []Part
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("decoding content: %w", err)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// ImageDataURL reads a local image and encodes it as a base64 data URL.
// PNG files are tagged image/png, everything else image/jpeg.
func ImageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}
	mime := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// DecodeJSON unmarshals a model reply into v. A surrounding ```json fence
// is tolerated.
func DecodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}
