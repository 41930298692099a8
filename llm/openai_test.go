package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

const openAIChatReply = `{"id":"c1","object":"chat.completion","created":1,"model":"m",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`

func TestOpenAIChatResponseFormat(t *testing.T) {
	tests := []struct {
		name       string
		req        ChatRequest
		wantType   string
		wantSchema string
	}{
		{
			name:     "json object",
			req:      ChatRequest{ResponseFormat: FormatJSONObject},
			wantType: "json_object",
		},
		{
			name: "json schema",
			req: ChatRequest{
				ResponseFormat: FormatJSONSchema,
				SchemaName:     "extraction",
				Schema:         GenerateSchema[struct{ OK bool }](),
			},
			wantType:   "json_schema",
			wantSchema: "extraction",
		},
		{
			name:       "json schema default name",
			req:        ChatRequest{ResponseFormat: FormatJSONSchema, Schema: GenerateSchema[struct{ OK bool }]()},
			wantType:   "json_schema",
			wantSchema: "response",
		},
		{
			name: "plain text",
			req:  ChatRequest{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					t.Errorf("path: got %q", r.URL.Path)
				}
				if r.Header.Get("Authorization") != "Bearer sk-test" {
					t.Errorf("authorization header: got %q", r.Header.Get("Authorization"))
				}
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, openAIChatReply)
			}))
			defer srv.Close()

			p := NewOpenAI(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: "m"})
			req := tt.req
			req.Messages = []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "hi"}}
			resp, err := p.Chat(context.Background(), req)
			if err != nil {
				t.Fatalf("chat: %v", err)
			}
			if resp.Content != `{"ok":true}` || resp.TotalTokens != 6 || resp.FinishReason != "stop" {
				t.Errorf("response: got %+v", resp)
			}
			if msgs, _ := gotBody["messages"].([]any); len(msgs) != 2 {
				t.Errorf("messages: got %v", gotBody["messages"])
			}

			rf, hasRF := gotBody["response_format"].(map[string]any)
			if tt.wantType == "" {
				if hasRF {
					t.Errorf("unexpected response_format %v", rf)
				}
				return
			}
			if rf["type"] != tt.wantType {
				t.Fatalf("response_format: got %v", gotBody["response_format"])
			}
			if tt.wantSchema == "" {
				return
			}
			js, _ := rf["json_schema"].(map[string]any)
			if js["name"] != tt.wantSchema {
				t.Errorf("schema name: got %v", js["name"])
			}
			if js["strict"] != true {
				t.Errorf("strict: got %v", js["strict"])
			}
			if _, ok := js["schema"].(map[string]any); !ok {
				t.Errorf("schema: got %v", js["schema"])
			}
		})
	}
}

func TestOpenAIEmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !reflect.DeepEqual(body.Input, []string{"a", "b", "c"}) || body.Model != "text-embedding-3-small" {
			t.Errorf("request: got %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","model":"text-embedding-3-small","data":[`+
			`{"object":"embedding","index":2,"embedding":[0,0,1]},`+
			`{"object":"embedding","index":0,"embedding":[1,0,0]},`+
			`{"object":"embedding","index":1,"embedding":[0,1,0]}],`+
			`"usage":{"prompt_tokens":3,"total_tokens":3}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(Config{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "text-embedding-3-small"})
	got, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	want := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("vectors: got %v, want %v", got, want)
	}
}

func TestOpenAIEmbedMissingIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","model":"e","data":[`+
			`{"object":"embedding","index":1,"embedding":[0.5,0.5]},`+
			`{"object":"embedding","index":7,"embedding":[1,1]}],`+
			`"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(Config{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "e"})
	if _, err := p.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error for missing index 0")
	}
}

func TestOpenAIEmbedEmpty(t *testing.T) {
	p := NewOpenAI(Config{BaseURL: "http://127.0.0.1:1/v1", APIKey: "k", Model: "e"})
	got, err := p.Embed(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
}
