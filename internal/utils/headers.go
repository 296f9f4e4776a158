package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

type Header struct {
	Key   string
	Value string
}

// Headers keeps insertion order; keys compare case-insensitively.
type Headers []Header

func (h Headers) Get(key string) string {
	for _, e := range h {
		if strings.EqualFold(e.Key, key) {
			return e.Value
		}
	}
	return ""
}

func (h Headers) Has(key string) bool {
	return slices.ContainsFunc(h, func(e Header) bool { return strings.EqualFold(e.Key, key) })
}

// Set replaces the first entry matching key in place, or appends a new one.
func (h Headers) Set(key, value string) Headers {
	for i, e := range h {
		if strings.EqualFold(e.Key, key) {
			out := h.Clone()
			out[i].Value = value
			return out
		}
	}
	return append(h.Clone(), Header{Key: key, Value: value})
}

// Merge overlays other on top of h.
func (h Headers) Merge(other Headers) Headers {
	out := h.Clone()
	for _, e := range other {
		out = out.Set(e.Key, e.Value)
	}
	return out
}

func (h Headers) Clone() Headers {
	return slices.Clone(h)
}

func (h Headers) Apply(req *http.Request) {
	for _, e := range h {
		req.Header.Set(e.Key, e.Value)
	}
}

func (h Headers) HTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, e := range h {
		out.Set(e.Key, e.Value)
	}
	return out
}

// FFmpeg renders the headers in the CRLF joined form ffmpeg -headers expects.
func (h Headers) FFmpeg() string {
	var b strings.Builder
	for _, e := range h {
		fmt.Fprintf(&b, "%s: %s\r\n", e.Key, e.Value)
	}
	return b.String()
}

func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (h *Headers) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*h = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("headers: expected object, got %v", tok)
	}
	var out Headers
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("headers: unexpected key %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("headers: value of %q: %w", key, err)
		}
		out = out.Set(key, value)
	}
	*h = out
	return nil
}

func (h *Headers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("headers: expected mapping at line %d", node.Line)
	}
	var out Headers
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = out.Set(node.Content[i].Value, node.Content[i+1].Value)
	}
	*h = out
	return nil
}

func (h Headers) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range h {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Value},
		)
	}
	return node, nil
}

// ParseHeaderArgs turns "Key: Value" flag values into Headers.
func ParseHeaderArgs(headers []string) Headers {
	var result Headers
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			result = result.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}
	return result
}
