// Package json serves the dispatcher over HTTP with JSON bodies.
package json

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	sglog "github.com/sourcegraph/log"
	"golang.org/x/net/trace"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/access"
	"gitlab.com/gitlab-org/zoekt-dispatch/balancer"
	"gitlab.com/gitlab-org/zoekt-dispatch/fleet"
	"gitlab.com/gitlab-org/zoekt-dispatch/search"
	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	Query string         `json:"query"`
	User  *dispatch.User `json:"user,omitempty"`

	// Authorization holds the grants of User. Without it only public and
	// internal projects are searched for signed in users.
	Authorization *access.Static `json:"authorization,omitempty"`

	Options dispatch.Options `json:"options"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
}

type SearchResponse struct {
	Blobs          []dispatch.Blob `json:"blobs"`
	Count          int             `json:"count"`
	FormattedCount string          `json:"formatted_count"`
	FileCount      int             `json:"file_count"`
	Error          string          `json:"error,omitempty"`
}

// NodeLoad is an entry of GET /api/nodes/load.
type NodeLoad struct {
	ID   int64   `json:"id"`
	Name string  `json:"name"`
	Load float64 `json:"load"`
}

type Server struct {
	Search   *search.Service
	Registry fleet.Registry
	Store    store.Store
	Logger   sglog.Logger
}

// Handler returns the routes of s. Mount further routes on the returned
// router.
func (s *Server) Handler() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/search", s.serveSearch)
	r.Get("/api/nodes/load", s.serveLoad)
	r.Delete("/api/nodes/load", s.serveResetLoad)
	return r
}

func (s *Server) serveSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return
	}

	tr := trace.New("zoekt-dispatch.search", req.Query)
	defer tr.Finish()
	start := time.Now()

	var auth access.Authorization
	if req.Authorization != nil {
		auth = req.Authorization
	}
	res := s.Search.NewResults(req.Query, req.User, auth, req.Options)
	blobs, err := res.Blobs(r.Context(), req.Page, req.PerPage)
	if err != nil {
		tr.LazyPrintf("error: %v", err)
		tr.SetError()
		status := http.StatusInternalServerError
		if errors.Is(err, dispatch.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}
	if res.Failed() {
		tr.LazyPrintf("search failed: %s", res.Error())
		tr.SetError()
	}
	tr.LazyPrintf("%d results of %d in %s", len(blobs), res.Count(), time.Since(start))

	if blobs == nil {
		blobs = []dispatch.Blob{}
	}
	s.writeJSON(w, http.StatusOK, SearchResponse{
		Blobs:          blobs,
		Count:          res.Count(),
		FormattedCount: res.FormattedCount(),
		FileCount:      res.FileCount(),
		Error:          res.Error(),
	})
}

func (s *Server) serveLoad(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Registry.OnlineSearchableNodes(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	loads, err := balancer.New(s.Store).Distribution(r.Context(), nodes)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]NodeLoad, len(nodes))
	for i, n := range nodes {
		out[i] = NodeLoad{ID: n.ID, Name: n.Name, Load: loads[n.ID]}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) serveResetLoad(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Registry.OnlineSearchableNodes(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := balancer.New(s.Store).Reset(r.Context(), nodes); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger().Info("reset node load", sglog.Int("nodes", len(nodes)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.logger().Error("request failed", sglog.Error(err))
	}
	s.writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger().Warn("failed to write response", sglog.Error(err))
	}
}

func (s *Server) logger() sglog.Logger {
	if s.Logger == nil {
		return sglog.Scoped("json", "JSON API")
	}
	return s.Logger
}
