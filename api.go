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

// Package dispatch holds the types shared by the zoekt search dispatch
// layer: the wire format returned by search nodes, the application level
// results built from it, and the collaborator interfaces the layer depends
// on.
package dispatch // import "gitlab.com/gitlab-org/zoekt-dispatch"

import (
	"context"
	"path"
)

// SearchResult is the decoded response of a search node.
type SearchResult struct {
	FileCount  int
	MatchCount int
	Files      []FileMatch

	// Error is set by the node when the search failed on its side.
	Error string `json:",omitempty"`
}

// FileMatch contains all the matches within a file.
type FileMatch struct {
	FileName string

	// Repository is the name of the repo of the match. Our indexer names
	// repositories after the project id, so it doubles as a fallback for
	// RepositoryID.
	Repository string

	// RepositoryID is the project id. It is zero for projects whose id does
	// not fit in 32 bits.
	RepositoryID uint32

	Language string
	Version  string `json:",omitempty"`

	LineMatches []LineMatch
}

// LineMatch holds the matches within a single line in a file.
type LineMatch struct {
	LineNumber int

	// The line in which a match was found.
	Line []byte

	// Before and After are only set when num_context_lines is > 0. Lines are
	// separated by '\n'.
	Before []byte
	After  []byte

	LineFragments []LineFragment
}

// LineFragment a segment of matching text within a line.
type LineFragment struct {
	// Offset within the line, in bytes.
	LineOffset int

	// Number bytes that match.
	MatchLength int
}

// Blob is a search result as presented to the caller. Without multi match
// there is one Blob per line match, otherwise one per file.
type Blob struct {
	ProjectID int64  `json:"project_id"`
	Path      string `json:"path"`
	Basename  string `json:"basename"`
	Ref       string `json:"ref,omitempty"`
	StartLine int    `json:"startline"`
	Data      string `json:"data"`
	Language  string `json:"language,omitempty"`

	// Set with multi match.
	Chunks          []Chunk `json:"chunks,omitempty"`
	MatchCountTotal int     `json:"match_count_total,omitempty"`
	MatchCount      int     `json:"match_count,omitempty"`
}

// Chunk is a run of contiguous lines around one or more matches.
type Chunk struct {
	Lines             []ChunkLine `json:"lines"`
	MatchCountInChunk int         `json:"match_count_in_chunk"`
}

type ChunkLine struct {
	Number   int    `json:"line_number"`
	Text     string `json:"text"`
	RichText string `json:"rich_text"`
}

// NewBlob returns a Blob for file, filling the name derived fields.
func NewBlob(projectID int64, file *FileMatch) Blob {
	return Blob{
		ProjectID: projectID,
		Path:      file.FileName,
		Basename:  basename(file.FileName),
		Ref:       file.Version,
		Language:  file.Language,
	}
}

func basename(p string) string {
	ext := path.Ext(p)
	return p[:len(p)-len(ext)]
}

// User is the actor a search runs for. A nil *User is anonymous.
type User struct {
	ID    int64 `json:"id"`
	Admin bool  `json:"admin"`
}

// CanReadAllResources reports whether u bypasses authorization.
func (u *User) CanReadAllResources() bool {
	return u != nil && u.Admin
}

// IDOrZero returns the user id, or 0 for anonymous users.
func (u *User) IDOrZero() int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

type Project struct {
	ID              int64   `yaml:"id" json:"id"`
	NamespaceID     int64   `yaml:"namespace_id" json:"namespace_id"`
	RootNamespaceID int64   `yaml:"root_namespace_id" json:"root_namespace_id"`
	TraversalIDs    []int64 `yaml:"traversal_ids" json:"traversal_ids"`
	PendingDelete   bool    `yaml:"pending_delete" json:"pending_delete"`
	Archived        bool    `yaml:"archived" json:"archived"`
}

// RootID returns the id of the top level namespace of p.
func (p *Project) RootID() int64 {
	switch {
	case p.RootNamespaceID > 0:
		return p.RootNamespaceID
	case len(p.TraversalIDs) > 0:
		return p.TraversalIDs[0]
	}
	return p.NamespaceID
}

type Group struct {
	ID           int64   `yaml:"id" json:"id"`
	TraversalIDs []int64 `yaml:"traversal_ids" json:"traversal_ids"`
}

// RootID returns the id of the top level ancestor of g.
func (g *Group) RootID() int64 {
	if len(g.TraversalIDs) == 0 {
		return g.ID
	}
	return g.TraversalIDs[0]
}

// Path returns the traversal ids of g, ending with g itself.
func (g *Group) Path() []int64 {
	if len(g.TraversalIDs) == 0 {
		return []int64{g.ID}
	}
	return g.TraversalIDs
}

// Directory resolves project and group metadata. It is backed by the
// application database.
type Directory interface {
	Project(ctx context.Context, id int64) (*Project, bool, error)
	Group(ctx context.Context, id int64) (*Group, bool, error)
	// ProjectsByID returns the projects that still exist, keyed by id.
	ProjectsByID(ctx context.Context, ids []int64) (map[int64]*Project, error)
}

// Version is set at build time.
var Version string
