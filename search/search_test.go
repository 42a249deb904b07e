package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/sourcegraph/log/logtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/client"
	"gitlab.com/gitlab-org/zoekt-dispatch/fleet"
	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
	"gitlab.com/gitlab-org/zoekt-dispatch/query"
	"gitlab.com/gitlab-org/zoekt-dispatch/request"
	"gitlab.com/gitlab-org/zoekt-dispatch/selector"
	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

func TestMain(m *testing.M) {
	logtest.Init(m)
	os.Exit(m.Run())
}

// node is a fake zoekt proxy node.
type node struct {
	calls   atomic.Int32
	payload atomic.Pointer[request.Payload]
	result  dispatch.SearchResult
	status  int
}

func (n *node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.calls.Inc()
	var p request.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
		n.payload.Store(&p)
	}
	if n.status != 0 {
		w.WriteHeader(n.status)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"Result": n.result})
}

func (n *node) query(t *testing.T) string {
	t.Helper()
	p := n.payload.Load()
	require.NotNil(t, p)
	require.NotEmpty(t, p.ForwardTo)
	var qs string
	query.VisitAtoms(p.ForwardTo[0].Query.Q, func(q query.Q) {
		if s, ok := q.(*query.QueryString); ok {
			qs = s.Query
		}
	})
	return qs
}

func lines(ns ...int) []dispatch.LineMatch {
	var out []dispatch.LineMatch
	for _, n := range ns {
		out = append(out, dispatch.LineMatch{LineNumber: n, Line: []byte("foo bar")})
	}
	return out
}

func defaultResult() dispatch.SearchResult {
	return dispatch.SearchResult{
		FileCount:  3,
		MatchCount: 4,
		Files: []dispatch.FileMatch{
			{FileName: "app/a.rb", RepositoryID: 7, Language: "Ruby", LineMatches: lines(1, 2)},
			{FileName: "b.go", RepositoryID: 8, LineMatches: lines(3)},
			{FileName: "c.go", RepositoryID: 9, LineMatches: lines(4)},
		},
	}
}

func newService(t *testing.T, n *node, flags map[string]fleet.FlagState) *Service {
	t.Helper()
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)

	inv := &fleet.Inventory{
		Nodes:      []fleet.Node{{ID: 1, Online: true, SearchBaseURL: srv.URL}},
		Namespaces: []fleet.EnabledNamespace{{ID: 10, RootNamespaceID: 9970}},
		Replicas:   []fleet.Replica{{ID: 100, EnabledNamespaceID: 10, NodeIDs: []int64{1}}},
		Groups:     []dispatch.Group{{ID: 123, TraversalIDs: []int64{9970, 123}}},
		Projects: []dispatch.Project{
			{ID: 7, RootNamespaceID: 9970, TraversalIDs: []int64{9970, 123}},
			{ID: 8, RootNamespaceID: 9970, PendingDelete: true},
		},
		Flags: flags,
	}
	fl := fleet.NewStatic(inv)
	logger := logtest.Scoped(t)
	s := store.NewMemory()
	return &Service{
		Builder: &request.Builder{
			Registry:  fl,
			Directory: fl,
			Selector:  selector.New(fl, logger),
		},
		Client:    client.New(s, logger, client.Options{}),
		Store:     s,
		Directory: fl,
		Flags:     fl,
		Logger:    logger,
	}
}

func projectOptions() dispatch.Options {
	return dispatch.Options{ProjectID: optional.Some[int64](7)}
}

func TestBlobs(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, nil)

	res := svc.NewResults("foo bar", nil, nil, projectOptions())
	blobs, err := res.Blobs(context.Background(), 1, 20)
	require.NoError(t, err)

	require.Len(t, blobs, 2, "results of deleted and missing projects are dropped")
	assert.Equal(t, int64(7), blobs[0].ProjectID)
	assert.Equal(t, "app/a", blobs[0].Basename)
	assert.Equal(t, 1, blobs[0].StartLine)
	assert.Equal(t, "foo bar", blobs[0].Data)
	assert.Equal(t, 2, res.Count())
	assert.Equal(t, 3, res.FileCount())
	assert.Equal(t, "2", res.FormattedCount())
	assert.False(t, res.Failed())

	assert.Equal(t, ModeExact, res.Mode())
	assert.Equal(t, `foo\ bar`, n.query(t))

	p := n.payload.Load()
	assert.Equal(t, dispatch.MaxResultCount, p.MaxFileMatchResults)
}

func TestBlobsMemoized(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, map[string]fleet.FlagState{dispatch.FlagCacheSearchResponses: {}})

	res := svc.NewResults("foo", nil, nil, projectOptions())
	for i := 0; i < 2; i++ {
		_, err := res.Blobs(context.Background(), 1, 20)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, n.calls.Load())
}

func TestBlobsMemoizedCounts(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, map[string]fleet.FlagState{dispatch.FlagCacheSearchResponses: {}})
	ctx := context.Background()

	res := svc.NewResults("foo", nil, nil, projectOptions())
	_, err := res.Blobs(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count())

	// Both results of page 2 are stale.
	_, err = res.Blobs(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count())

	_, err = res.Blobs(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count())
	assert.Equal(t, "4", res.FormattedCount())
	assert.EqualValues(t, 2, n.calls.Load())
}

func TestBlobsCached(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, nil)
	ctx := context.Background()

	first, err := svc.NewResults("foo", nil, nil, projectOptions()).Blobs(ctx, 1, 2)
	require.NoError(t, err)
	second, err := svc.NewResults("foo", nil, nil, projectOptions()).Blobs(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Page 2 was prefetched with page 1.
	page2, err := svc.NewResults("foo", nil, nil, projectOptions()).Blobs(ctx, 2, 2)
	require.NoError(t, err)
	assert.Empty(t, page2, "page 2 only held stale results")
	assert.EqualValues(t, 1, n.calls.Load())
}

func TestBlobsRegex(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, nil)

	opts := projectOptions()
	opts.Modes.Regex = true
	res := svc.NewResults("foo.*bar", nil, nil, opts)
	_, err := res.Blobs(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Equal(t, ModeRegex, res.Mode())
	assert.Equal(t, "foo.*bar", n.query(t))

	// The exact search flag off means regex too.
	n = &node{result: defaultResult()}
	svc = newService(t, n, map[string]fleet.FlagState{dispatch.FlagExactSearch: {}})
	res = svc.NewResults("foo.*bar", nil, nil, projectOptions())
	_, err = res.Blobs(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Equal(t, "foo.*bar", n.query(t))
}

func TestBlobsMultiMatch(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, nil)

	opts := projectOptions()
	opts.MultiMatch = optional.Some(5)
	blobs, err := svc.NewResults("foo", nil, nil, opts).Blobs(context.Background(), 1, 20)
	require.NoError(t, err)
	require.Len(t, blobs, 1, "one blob per file")
	assert.Len(t, blobs[0].Chunks, 1)
	assert.Equal(t, 2, blobs[0].MatchCount)
	assert.Equal(t, 2, blobs[0].MatchCountTotal)
}

func TestBlobsEmpty(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, nil)

	blobs, err := svc.NewResults("  ", nil, nil, projectOptions()).Blobs(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Empty(t, blobs)

	opts := projectOptions()
	opts.ProjectIDs = optional.Some([]int64{})
	blobs, err = svc.NewResults("foo", nil, nil, opts).Blobs(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Empty(t, blobs)

	assert.Zero(t, n.calls.Load())
}

func TestBlobsNodeFailure(t *testing.T) {
	n := &node{status: http.StatusInternalServerError}
	svc := newService(t, n, nil)

	res := svc.NewResults("foo", nil, nil, projectOptions())
	blobs, err := res.Blobs(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Empty(t, blobs)
	assert.True(t, res.Failed())
	assert.NotEmpty(t, res.Error())
	assert.Zero(t, res.Count())
	assert.Zero(t, res.FileCount())

	// The node is now backed off, which is absorbed the same way.
	res = svc.NewResults("bar", nil, nil, projectOptions())
	_, err = res.Blobs(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Contains(t, res.Error(), "backed off")
	assert.EqualValues(t, 1, n.calls.Load())
}

func TestBlobsNoNodes(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, nil)
	svc.Directory.(*fleet.Static).Inventory().Nodes[0].Online = false

	res := svc.NewResults("foo", nil, nil, projectOptions())
	_, err := res.Blobs(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.True(t, res.Failed())
}

func TestBlobsInvalidArgument(t *testing.T) {
	n := &node{result: defaultResult()}
	svc := newService(t, n, nil)

	opts := dispatch.Options{ProjectID: optional.Some[int64](404)}
	_, err := svc.NewResults("foo", nil, nil, opts).Blobs(context.Background(), 1, 20)
	assert.True(t, errors.Is(err, dispatch.ErrInvalidArgument), err)
}

func TestDecode(t *testing.T) {
	res := &dispatch.SearchResult{
		MatchCount: 9000,
		FileCount:  2,
		Files: []dispatch.FileMatch{
			{FileName: "a", RepositoryID: 1, LineMatches: lines(1, 2, 3)},
			{FileName: "b", RepositoryID: 2, LineMatches: lines(1, 2)},
		},
	}
	pages := decode(res, dispatch.Options{PerPage: 2}, 2)
	assert.Equal(t, dispatch.MaxResultCount, pages.Total)
	require.Len(t, pages.Buckets, 2)
	assert.Len(t, pages.Buckets[0], 2)
	assert.Len(t, pages.Buckets[1], 2)
	assert.Equal(t, int64(2), pages.Buckets[1][1].ProjectID)
}

func TestLineBlob(t *testing.T) {
	file := &dispatch.FileMatch{FileName: "lib/x.rb", RepositoryID: 3, Version: "main"}
	b := lineBlob(3, file, &dispatch.LineMatch{
		LineNumber: 10,
		Line:       []byte("match\n"),
		Before:     []byte("a\nb\n"),
		After:      []byte("c\n"),
	})
	assert.Equal(t, 8, b.StartLine)
	assert.Equal(t, "a\nb\nmatch\nc", b.Data)
	assert.Equal(t, "main", b.Ref)
	assert.Equal(t, "lib/x", b.Basename)
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0", FormatCount(0))
	assert.Equal(t, "1,234", FormatCount(1234))
	assert.Equal(t, "5,000+", FormatCount(5000))
}

func TestExtractProjectID(t *testing.T) {
	assert.Equal(t, int64(4300000000), ExtractProjectID(&dispatch.FileMatch{RepositoryID: 0, Repository: "4300000000"}))
	assert.Equal(t, int64(42), ExtractProjectID(&dispatch.FileMatch{RepositoryID: 42, Repository: "999"}))
	assert.Zero(t, ExtractProjectID(&dispatch.FileMatch{Repository: "gitlab-org/gitlab"}))
}
