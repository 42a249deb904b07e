// Copyright 2016 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package query holds the boolean filter tree sent to zoekt search nodes.
// Trees are built once per request and must not be modified afterwards.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
)

// Q is a representation for a possibly hierarchical search query.
type Q interface {
	String() string
}

// Context is debug metadata attached to a node. The engine ignores it.
type Context struct {
	Name string `json:"name"`
}

// MatchAttrs are the optional knobs shared by Substring and Regexp. Absent
// values are left to the engine's defaults.
type MatchAttrs struct {
	CaseSensitive optional.Option[bool]

	// Match only filename
	FileName optional.Option[bool]

	// Match only content
	Content optional.Option[bool]
}

func (a MatchAttrs) prefix() string {
	pref := ""
	if a.FileName.Value() {
		pref = "file_"
	} else if a.Content.Value() {
		pref = "content_"
	}
	if a.CaseSensitive.Value() {
		pref = "case_" + pref
	}
	return pref
}

// Substring is the most basic query: a query for a substring.
type Substring struct {
	Pattern string
	MatchAttrs
	Context *Context
}

func (q *Substring) String() string {
	return fmt.Sprintf("%ssubstr:%q", q.prefix(), q.Pattern)
}

// Regexp is a query looking for regular expressions matches.
type Regexp struct {
	Regexp string
	MatchAttrs
	Context *Context
}

func (q *Regexp) String() string {
	return fmt.Sprintf("%sregex:%q", q.prefix(), q.Regexp)
}

// Meta matches repositories whose metadata value for Key matches the
// regular expression Value.
type Meta struct {
	Key     string
	Value   string
	Context *Context
}

func (q *Meta) String() string {
	return fmt.Sprintf("meta:%s=%q", q.Key, q.Value)
}

// Symbol finds a string that is a symbol.
type Symbol struct {
	Expr    Q
	Context *Context
}

func (q *Symbol) String() string {
	return fmt.Sprintf("sym:%s", q.Expr)
}

// QueryString is free text in zoekt query syntax, parsed by the engine.
type QueryString struct {
	Query   string
	Context *Context
}

func (q *QueryString) String() string {
	return fmt.Sprintf("query_string:%q", q.Query)
}

// RepoIDs matches repositories by id. An empty list matches nothing.
type RepoIDs struct {
	IDs     []int64
	Context *Context
}

func (q *RepoIDs) String() string {
	ids := make([]string, len(q.IDs))
	for i, id := range q.IDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("repo_ids:%s", strings.Join(ids, ","))
}

// And is matched when all its children are.
type And struct {
	Children []Q
	Context  *Context
}

func (q *And) String() string {
	return fmt.Sprintf("(and %s)", joinChildren(q.Children))
}

// Or is matched when any of its children is matched.
type Or struct {
	Children []Q
	Context  *Context
}

func (q *Or) String() string {
	return fmt.Sprintf("(or %s)", joinChildren(q.Children))
}

// Not inverts the meaning of its child.
type Not struct {
	Child   Q
	Context *Context
}

func (q *Not) String() string {
	return fmt.Sprintf("(not %s)", q.Child)
}

func joinChildren(children []Q) string {
	sub := make([]string, 0, len(children))
	for _, ch := range children {
		sub = append(sub, ch.String())
	}
	return strings.Join(sub, " ")
}

// Map runs f over the q.
func Map(q Q, f func(q Q) Q) Q {
	switch s := q.(type) {
	case *And:
		q = &And{Children: mapQueryList(s.Children, f), Context: s.Context}
	case *Or:
		q = &Or{Children: mapQueryList(s.Children, f), Context: s.Context}
	case *Not:
		q = &Not{Child: Map(s.Child, f), Context: s.Context}
	}
	return f(q)
}

func mapQueryList(qs []Q, f func(Q) Q) []Q {
	mapped := make([]Q, len(qs))
	for i, sub := range qs {
		mapped[i] = Map(sub, f)
	}
	return mapped
}

// VisitAtoms runs `v` on all atom queries within `q`.
func VisitAtoms(q Q, v func(q Q)) {
	Map(q, func(iQ Q) Q {
		switch iQ.(type) {
		case *And:
		case *Or:
		case *Not:
		default:
			v(iQ)
		}
		return iQ
	})
}

// ContextOf returns the debug context of q, if any.
func ContextOf(q Q) *Context {
	switch s := q.(type) {
	case *Substring:
		return s.Context
	case *Regexp:
		return s.Context
	case *Meta:
		return s.Context
	case *Symbol:
		return s.Context
	case *QueryString:
		return s.Context
	case *RepoIDs:
		return s.Context
	case *And:
		return s.Context
	case *Or:
		return s.Context
	case *Not:
		return s.Context
	}
	return nil
}
