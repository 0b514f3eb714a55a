// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/json"
	"testing"
)

func TestContentRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Content
	}{
		{"text", &TextContent{Text: "hi"}},
		{"empty text", &TextContent{}},
		{"image", &ImageContent{Data: []byte("fake-bytes"), MIMEType: "image/png"}},
		{"resource link", &ResourceLink{URI: "file:///a.txt", Name: "a.txt"}},
		{"embedded resource", &EmbeddedResource{Resource: &ResourceContents{URI: "file:///b.txt", Text: "hello"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.in.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON: %v", err)
			}
			got, err := unmarshalContent(data, nil)
			if err != nil {
				t.Fatalf("unmarshalContent: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d content blocks, want 1", len(got))
			}
		})
	}
}

func TestUnmarshalContentArray(t *testing.T) {
	raw := json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`)
	got, err := unmarshalContent(raw, nil)
	if err != nil {
		t.Fatalf("unmarshalContent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d blocks, want 2", len(got))
	}
	if tc, ok := got[0].(*TextContent); !ok || tc.Text != "a" {
		t.Fatalf("got[0] = %+v, want TextContent{Text: \"a\"}", got[0])
	}
}

func TestUnmarshalContentNil(t *testing.T) {
	if _, err := unmarshalContent(nil, nil); err == nil {
		t.Fatal("expected an error for nil content")
	}
	if _, err := unmarshalContent(json.RawMessage("null"), nil); err == nil {
		t.Fatal("expected an error for null content")
	}
}

func TestUnmarshalContentDisallowedType(t *testing.T) {
	raw := json.RawMessage(`{"type":"resource_link","uri":"x"}`)
	if _, err := unmarshalContent(raw, map[string]bool{"text": true}); err == nil {
		t.Fatal("expected an error for a disallowed content type")
	}
}

func TestCallToolResultRoundTrip(t *testing.T) {
	want := &CallToolResult{Content: []Content{&TextContent{Text: "hi"}}}
	data, err := want.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var got CallToolResult
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.Content) != 1 {
		t.Fatalf("got %d content blocks, want 1", len(got.Content))
	}
	tc, ok := got.Content[0].(*TextContent)
	if !ok || tc.Text != "hi" {
		t.Fatalf("got.Content[0] = %+v, want TextContent{Text: \"hi\"}", got.Content[0])
	}
}

func TestCallToolResultEmptyContentNotNull(t *testing.T) {
	var r CallToolResult
	data, err := r.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(raw["content"]) != "[]" {
		t.Fatalf(`content = %s, want "[]"`, raw["content"])
	}
}
