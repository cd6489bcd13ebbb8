// Package queue stores deferred dispatches and replays them later.
//
// A batch payload is a versioned JSON document:
//
//	{"version":1,"notices":[{"recipient_id":1,"label":"welcome","context":{...},"sender_id":2}]}
//
// Context values that are entity references are written as
// {"$ref":{"kind":"user","id":2}} and decoded back to notice.EntityRef.
// The disallow_notice set is always written as a sorted list of channel ids.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"noticed/internal/notice"
)

const Version = 1

var ErrUnsupportedVersion = errors.New("unsupported queue payload version")

const refKey = "$ref"

// Tuple is one deferred (recipient, category, context, sender) dispatch.
type Tuple struct {
	RecipientID int64
	Label       string
	Context     notice.Context
	SenderID    *int64
	Scope       notice.Scope
}

type wirePayload struct {
	Version int         `json:"version"`
	Notices []wireTuple `json:"notices"`
}

type wireTuple struct {
	RecipientID int64          `json:"recipient_id"`
	Label       string         `json:"label"`
	Context     map[string]any `json:"context,omitempty"`
	SenderID    *int64         `json:"sender_id"`
	Scope       *wireScope     `json:"scope,omitempty"`
}

type wireScope struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func Encode(tuples []Tuple) ([]byte, error) {
	p := wirePayload{Version: Version, Notices: make([]wireTuple, 0, len(tuples))}
	for _, t := range tuples {
		w := wireTuple{RecipientID: t.RecipientID, Label: t.Label, SenderID: t.SenderID}
		if len(t.Context) > 0 {
			w.Context = make(map[string]any, len(t.Context))
			for k, v := range t.Context {
				w.Context[k] = encodeValue(v)
			}
			if _, ok := t.Context[notice.KeyDisallow]; ok {
				w.Context[notice.KeyDisallow] = t.Context.DisallowList()
			}
		}
		if !t.Scope.IsZero() {
			w.Scope = &wireScope{Kind: t.Scope.Kind, ID: t.Scope.ID}
		}
		p.Notices = append(p.Notices, w)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return b, nil
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case notice.EntityRef:
		return map[string]any{refKey: x}
	case *notice.EntityRef:
		if x == nil {
			return nil
		}
		return map[string]any{refKey: *x}
	case notice.Referable:
		return map[string]any{refKey: x.Ref()}
	case notice.Context:
		return encodeMap(x)
	case map[string]any:
		return encodeMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = encodeValue(x[i])
		}
		return out
	}
	return v
}

func encodeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

// Decode parses a payload written by Encode. Numbers inside contexts decode
// as json.Number so large ids survive.
func Decode(b []byte) ([]Tuple, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if head.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, head.Version)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var p wirePayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	out := make([]Tuple, 0, len(p.Notices))
	for _, w := range p.Notices {
		t := Tuple{RecipientID: w.RecipientID, Label: w.Label, SenderID: w.SenderID}
		if w.Context != nil {
			t.Context = make(notice.Context, len(w.Context))
			for k, v := range w.Context {
				t.Context[k] = decodeValue(v)
			}
		}
		if w.Scope != nil {
			t.Scope = notice.Scope{Kind: w.Scope.Kind, ID: w.Scope.ID}
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if raw, ok := x[refKey]; ok && len(x) == 1 {
			if ref, ok := decodeRef(raw); ok {
				return ref
			}
		}
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = decodeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = decodeValue(x[i])
		}
		return out
	}
	return v
}

func decodeRef(v any) (notice.EntityRef, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return notice.EntityRef{}, false
	}
	kind, _ := m["kind"].(string)
	num, ok := m["id"].(json.Number)
	if kind == "" || !ok {
		return notice.EntityRef{}, false
	}
	id, err := num.Int64()
	if err != nil {
		return notice.EntityRef{}, false
	}
	return notice.EntityRef{Kind: kind, ID: id}, true
}
