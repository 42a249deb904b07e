// Copyright 2021 Google Inc. All rights reserved.
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

package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchResultJSON(t *testing.T) {
	// Line, Before and After are base64 encoded on the wire.
	raw := `{
		"FileCount": 1,
		"MatchCount": 1,
		"Files": [{
			"FileName": "lib/gitlab.rb",
			"Repository": "4300000000",
			"RepositoryID": 0,
			"Language": "Ruby",
			"LineMatches": [{
				"LineNumber": 2,
				"Line": "ZGVmIGZvbw==",
				"Before": "bW9kdWxlIEdpdGxhYgo=",
				"LineFragments": [{"LineOffset": 4, "MatchLength": 3}]
			}]
		}]
	}`
	var got SearchResult
	require.NoError(t, json.Unmarshal([]byte(raw), &got))

	want := SearchResult{
		FileCount:  1,
		MatchCount: 1,
		Files: []FileMatch{{
			FileName:   "lib/gitlab.rb",
			Repository: "4300000000",
			Language:   "Ruby",
			LineMatches: []LineMatch{{
				LineNumber:    2,
				Line:          []byte("def foo"),
				Before:        []byte("module Gitlab\n"),
				LineFragments: []LineFragment{{LineOffset: 4, MatchLength: 3}},
			}},
		}},
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("mismatch (-want +got):\n%s", d)
	}
}

func TestUser(t *testing.T) {
	var anon *User
	assert.False(t, anon.CanReadAllResources())
	assert.EqualValues(t, 0, anon.IDOrZero())
	assert.True(t, (&User{ID: 2, Admin: true}).CanReadAllResources())
	assert.False(t, (&User{ID: 2}).CanReadAllResources())
}

func TestNewBlob(t *testing.T) {
	b := NewBlob(4, &FileMatch{FileName: "app/models/user.rb", Language: "Ruby", Version: "main"})
	assert.Equal(t, "app/models/user", b.Basename)
	assert.Equal(t, "app/models/user.rb", b.Path)
	assert.Equal(t, "main", b.Ref)
	assert.EqualValues(t, 4, b.ProjectID)

	assert.Equal(t, "Makefile", NewBlob(4, &FileMatch{FileName: "Makefile"}).Basename)
}

func TestProjectRootID(t *testing.T) {
	for _, tc := range []struct {
		p    Project
		want int64
	}{
		{Project{ID: 1, NamespaceID: 5, RootNamespaceID: 9, TraversalIDs: []int64{8, 5}}, 9},
		{Project{ID: 1, NamespaceID: 5, TraversalIDs: []int64{8, 5}}, 8},
		{Project{ID: 1, NamespaceID: 5}, 5},
	} {
		assert.Equal(t, tc.want, tc.p.RootID())
	}
}

func TestGroupPath(t *testing.T) {
	g := Group{ID: 123, TraversalIDs: []int64{9970, 123}}
	assert.Equal(t, int64(9970), g.RootID())
	assert.Equal(t, []int64{9970, 123}, g.Path())

	g = Group{ID: 5}
	assert.Equal(t, int64(5), g.RootID())
	assert.Equal(t, []int64{5}, g.Path())
}
