package query

import (
	"encoding/json"

	"github.com/pkg/errors"

	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
)

// The wire form of a node is a single-key object naming its kind, with an
// optional "_context" sibling:
//
//	{"and": {"children": [...]}, "_context": {"name": "admin"}}
//	{"query_string": {"query": "foo"}}
//	{"repo_ids": [1, 2]}
//	{"meta": {"key": "archived", "value": "^f$"}}
//
// This is what the zoekt webserver's v2 search endpoint accepts.

const contextKey = "_context"

type matchAttrsJSON struct {
	CaseSensitive optional.Option[bool] `json:"case_sensitive,omitempty"`
	FileName      optional.Option[bool] `json:"file_name,omitempty"`
	Content       optional.Option[bool] `json:"content,omitempty"`
}

func attrsJSON(a MatchAttrs) matchAttrsJSON {
	return matchAttrsJSON{CaseSensitive: a.CaseSensitive, FileName: a.FileName, Content: a.Content}
}

func (a matchAttrsJSON) attrs() MatchAttrs {
	return MatchAttrs{CaseSensitive: a.CaseSensitive, FileName: a.FileName, Content: a.Content}
}

type substringJSON struct {
	Pattern string `json:"pattern"`
	matchAttrsJSON
}

type regexpJSON struct {
	Regexp string `json:"regexp"`
	matchAttrsJSON
}

type metaJSON struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type symbolJSON struct {
	Expr json.RawMessage `json:"expr"`
}

type queryStringJSON struct {
	Query string `json:"query"`
}

type childrenJSON struct {
	Children []json.RawMessage `json:"children"`
}

type notJSON struct {
	Child json.RawMessage `json:"child"`
}

func wrap(kind string, body any, c *Context) ([]byte, error) {
	m := map[string]any{kind: body}
	if c != nil {
		m[contextKey] = c
	}
	return json.Marshal(m)
}

func marshalList(qs []Q) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(qs))
	for i, q := range qs {
		b, err := json.Marshal(q)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (q *Substring) MarshalJSON() ([]byte, error) {
	return wrap("substring", substringJSON{Pattern: q.Pattern, matchAttrsJSON: attrsJSON(q.MatchAttrs)}, q.Context)
}

func (q *Regexp) MarshalJSON() ([]byte, error) {
	return wrap("regex", regexpJSON{Regexp: q.Regexp, matchAttrsJSON: attrsJSON(q.MatchAttrs)}, q.Context)
}

func (q *Meta) MarshalJSON() ([]byte, error) {
	return wrap("meta", metaJSON{Key: q.Key, Value: q.Value}, q.Context)
}

func (q *Symbol) MarshalJSON() ([]byte, error) {
	expr, err := json.Marshal(q.Expr)
	if err != nil {
		return nil, err
	}
	return wrap("symbol", symbolJSON{Expr: expr}, q.Context)
}

func (q *QueryString) MarshalJSON() ([]byte, error) {
	return wrap("query_string", queryStringJSON{Query: q.Query}, q.Context)
}

func (q *RepoIDs) MarshalJSON() ([]byte, error) {
	ids := q.IDs
	if ids == nil {
		ids = []int64{}
	}
	return wrap("repo_ids", ids, q.Context)
}

func (q *And) MarshalJSON() ([]byte, error) {
	ch, err := marshalList(q.Children)
	if err != nil {
		return nil, err
	}
	return wrap("and", childrenJSON{Children: ch}, q.Context)
}

func (q *Or) MarshalJSON() ([]byte, error) {
	ch, err := marshalList(q.Children)
	if err != nil {
		return nil, err
	}
	return wrap("or", childrenJSON{Children: ch}, q.Context)
}

func (q *Not) MarshalJSON() ([]byte, error) {
	ch, err := json.Marshal(q.Child)
	if err != nil {
		return nil, err
	}
	return wrap("not", notJSON{Child: ch}, q.Context)
}

// Unmarshal decodes the wire form of a query tree.
func Unmarshal(data []byte) (Q, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "query: decode node")
	}

	var ctx *Context
	if raw, ok := m[contextKey]; ok {
		ctx = &Context{}
		if err := json.Unmarshal(raw, ctx); err != nil {
			return nil, errors.Wrap(err, "query: decode context")
		}
		delete(m, contextKey)
	}
	if len(m) != 1 {
		return nil, errors.Errorf("query: node must have exactly one kind, got %d", len(m))
	}

	for kind, body := range m {
		q, err := unmarshalKind(kind, body, ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "query: decode %s", kind)
		}
		return q, nil
	}
	panic("unreachable")
}

func unmarshalKind(kind string, body json.RawMessage, ctx *Context) (Q, error) {
	switch kind {
	case "substring":
		var s substringJSON
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return &Substring{Pattern: s.Pattern, MatchAttrs: s.attrs(), Context: ctx}, nil
	case "regex":
		var r regexpJSON
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		return &Regexp{Regexp: r.Regexp, MatchAttrs: r.attrs(), Context: ctx}, nil
	case "meta":
		var m metaJSON
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		return &Meta{Key: m.Key, Value: m.Value, Context: ctx}, nil
	case "symbol":
		var s symbolJSON
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		expr, err := Unmarshal(s.Expr)
		if err != nil {
			return nil, err
		}
		return &Symbol{Expr: expr, Context: ctx}, nil
	case "query_string":
		var s queryStringJSON
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return &QueryString{Query: s.Query, Context: ctx}, nil
	case "repo_ids":
		var ids []int64
		if err := json.Unmarshal(body, &ids); err != nil {
			return nil, err
		}
		return &RepoIDs{IDs: ids, Context: ctx}, nil
	case "and", "or":
		var c childrenJSON
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, err
		}
		children, err := unmarshalList(c.Children)
		if err != nil {
			return nil, err
		}
		if kind == "and" {
			return &And{Children: children, Context: ctx}, nil
		}
		return &Or{Children: children, Context: ctx}, nil
	case "not":
		var n notJSON
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, err
		}
		child, err := Unmarshal(n.Child)
		if err != nil {
			return nil, err
		}
		return &Not{Child: child, Context: ctx}, nil
	}
	return nil, errors.Errorf("unknown node kind %q", kind)
}

func unmarshalList(raw []json.RawMessage) ([]Q, error) {
	qs := make([]Q, len(raw))
	for i, r := range raw {
		q, err := Unmarshal(r)
		if err != nil {
			return nil, err
		}
		qs[i] = q
	}
	return qs, nil
}

// Wire wraps a tree so it can be embedded in a struct that is decoded with
// encoding/json.
type Wire struct {
	Q Q
}

func (w Wire) MarshalJSON() ([]byte, error) {
	if w.Q == nil {
		return []byte("null"), nil
	}
	return json.Marshal(w.Q)
}

func (w *Wire) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		w.Q = nil
		return nil
	}
	q, err := Unmarshal(data)
	if err != nil {
		return err
	}
	w.Q = q
	return nil
}
