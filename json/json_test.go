package json_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sourcegraph/log/logtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/access"
	"gitlab.com/gitlab-org/zoekt-dispatch/balancer"
	"gitlab.com/gitlab-org/zoekt-dispatch/client"
	"gitlab.com/gitlab-org/zoekt-dispatch/fleet"
	"gitlab.com/gitlab-org/zoekt-dispatch/internal/optional"
	zjson "gitlab.com/gitlab-org/zoekt-dispatch/json"
	"gitlab.com/gitlab-org/zoekt-dispatch/request"
	"gitlab.com/gitlab-org/zoekt-dispatch/search"
	"gitlab.com/gitlab-org/zoekt-dispatch/selector"
	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

func TestMain(m *testing.M) {
	logtest.Init(m)
	os.Exit(m.Run())
}

type fixture struct {
	url   string
	fleet *fleet.Static
	store store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"Result": dispatch.SearchResult{
			FileCount:  1,
			MatchCount: 1,
			Files: []dispatch.FileMatch{{
				FileName:     "main.go",
				RepositoryID: 7,
				LineMatches:  []dispatch.LineMatch{{LineNumber: 3, Line: []byte("func main()")}},
			}},
		}})
	}))
	t.Cleanup(node.Close)

	fl := fleet.NewStatic(&fleet.Inventory{
		Nodes:      []fleet.Node{{ID: 1, Name: "zoekt-0", Online: true, SearchBaseURL: node.URL}},
		Namespaces: []fleet.EnabledNamespace{{ID: 10, RootNamespaceID: 9970}},
		Replicas:   []fleet.Replica{{ID: 100, EnabledNamespaceID: 10, NodeIDs: []int64{1}}},
		Projects:   []dispatch.Project{{ID: 7, RootNamespaceID: 9970, TraversalIDs: []int64{9970}}},
	})
	logger := logtest.Scoped(t)
	s := store.NewMemory()
	srv := &zjson.Server{
		Search: &search.Service{
			Builder:   &request.Builder{Registry: fl, Directory: fl, Selector: selector.New(fl, logger)},
			Client:    client.New(s, logger, client.Options{}),
			Store:     s,
			Directory: fl,
			Flags:     fl,
			Logger:    logger,
		},
		Registry: fl,
		Store:    s,
		Logger:   logger,
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{url: ts.URL, fleet: fl, store: s}
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	resp := post(t, f.url+"/api/search", zjson.SearchRequest{
		Query:         "main",
		User:          &dispatch.User{ID: 3},
		Authorization: &access.Static{Projects: []access.Membership{{ID: 7, AccessLevel: 30, TraversalIDs: "9970-"}}},
		Options:       dispatch.Options{ProjectID: optional.Some[int64](7)},
		Page:          1,
		PerPage:       20,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got zjson.SearchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Blobs, 1)
	assert.Equal(t, int64(7), got.Blobs[0].ProjectID)
	assert.Equal(t, "func main()", got.Blobs[0].Data)
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, "1", got.FormattedCount)
	assert.Empty(t, got.Error)
}

func TestSearchInvalid(t *testing.T) {
	f := newFixture(t)

	resp := post(t, f.url+"/api/search", zjson.SearchRequest{
		Query:   "main",
		Options: dispatch.Options{ProjectID: optional.Some[int64](404)},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct{ Error string }
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "404")

	resp, err := http.Post(f.url+"/api/search", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchEmptyQuery(t *testing.T) {
	f := newFixture(t)
	resp := post(t, f.url+"/api/search", zjson.SearchRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"blobs":[],"count":0,"formatted_count":"0","file_count":0}`, string(raw))
}

func TestNodeLoad(t *testing.T) {
	f := newFixture(t)
	node := f.fleet.Inventory().Nodes[0]
	require.NoError(t, balancer.New(f.store).IncreaseLoad(context.Background(), node, 2))

	resp, err := http.Get(f.url + "/api/nodes/load")
	require.NoError(t, err)
	defer resp.Body.Close()
	var loads []zjson.NodeLoad
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loads))
	assert.Equal(t, []zjson.NodeLoad{{ID: 1, Name: "zoekt-0", Load: 2}}, loads)

	req, err := http.NewRequest(http.MethodDelete, f.url+"/api/nodes/load", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	load, err := balancer.New(f.store).Load(context.Background(), node)
	require.NoError(t, err)
	assert.Zero(t, load)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
