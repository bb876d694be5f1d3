package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func FuzzAttributesFromJSON(f *testing.F) {
	f.Add(`{"country":"US","age":30,"beta":true}`)
	f.Add(`{"gone":null}`)
	f.Add(`{"geo":{"country":"US"}}`)
	f.Add(`{"tags":["a","b"]}`)
	f.Add(`{"big":1e400}`)
	f.Add(`{}`)

	f.Fuzz(func(t *testing.T, body string) {
		var raw map[string]any
		decoder := json.NewDecoder(strings.NewReader(body))
		decoder.UseNumber()
		if err := decoder.Decode(&raw); err != nil {
			return
		}

		got, err := attributesFromJSON(raw)
		if err != nil {
			if !errors.Is(err, errInvalidAttributes) {
				t.Fatalf("attributesFromJSON(%s) error = %v, want errInvalidAttributes", body, err)
			}
			return
		}
		for key, value := range raw {
			_, present := got[key]
			if value == nil && present {
				t.Fatalf("attributesFromJSON(%s) kept null attribute %q", body, key)
			}
			if value != nil && !present {
				t.Fatalf("attributesFromJSON(%s) dropped attribute %q", body, key)
			}
		}
	})
}

func FuzzDecodeDecisionRequest(f *testing.F) {
	f.Add(`{"experiment_key":"e","user_id":"u"}`)
	f.Add(`{"user_id":"u","attributes":{"a":1}}`)
	f.Add(`{"user_id":"u"}{"user_id":"v"}`)
	f.Add(`{"unknown":true}`)
	f.Add(``)

	f.Fuzz(func(t *testing.T, body string) {
		req := httptest.NewRequest(http.MethodPost, "/v1/activate", strings.NewReader(body))
		rec := httptest.NewRecorder()

		var dst decisionRequest
		err := decodeJSONBody(rec, req, &dst, 1<<10)
		if err == nil && !json.Valid([]byte(strings.TrimSpace(body))) {
			t.Fatalf("decodeJSONBody(%q) accepted invalid JSON", body)
		}
		if len(body) > 1<<10 && err == nil {
			t.Fatalf("decodeJSONBody accepted %d byte body over the limit", len(body))
		}
	})
}

func FuzzWriteSSEEvent(f *testing.F) {
	f.Add("42", []byte(`{"revision":"42"}`))
	f.Add("43", []byte("{\n  \"revision\": \"43\"\n}"))
	f.Add("bad\nid", []byte("line1\nline2"))
	f.Add("", []byte{})

	f.Fuzz(func(t *testing.T, id string, payload []byte) {
		var buf bytes.Buffer
		if err := writeSSEEvent(&buf, id, "config_update", payload); err != nil {
			t.Fatalf("writeSSEEvent() error = %v", err)
		}
		body := buf.String()
		if !strings.HasSuffix(body, "\n\n") {
			t.Fatalf("event %q does not end with a blank line", body)
		}
		if strings.Count(body, "\n\n") != 1 {
			t.Fatalf("event %q contains an early terminator", body)
		}
		if !strings.Contains(body, "event: config_update\n") {
			t.Fatalf("event %q missing event name", body)
		}

		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err == nil {
			if !strings.Contains(body, "data: "+compact.String()+"\n") {
				t.Fatalf("event %q does not carry compact payload %q", body, compact.String())
			}
		}
	})
}
