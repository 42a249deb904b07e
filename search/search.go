// Package search runs a code search on the zoekt nodes and presents the
// results a page at a time.
package search

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	sglog "github.com/sourcegraph/log"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/access"
	"gitlab.com/gitlab-org/zoekt-dispatch/balancer"
	"gitlab.com/gitlab-org/zoekt-dispatch/cache"
	"gitlab.com/gitlab-org/zoekt-dispatch/client"
	"gitlab.com/gitlab-org/zoekt-dispatch/multimatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/query"
	"gitlab.com/gitlab-org/zoekt-dispatch/request"
	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

// Search modes.
const (
	ModeExact = "exact"
	ModeRegex = "regex"
)

var (
	metricSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoekt_dispatch_searches_total",
		Help: "The number of searches sent to the zoekt nodes.",
	}, []string{"outcome"}) // outcome=ok|failed

	metricStaleResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoekt_dispatch_stale_results_total",
		Help: "The number of results dropped because their project no longer exists.",
	})
)

// Service holds the collaborators shared by every search. It is safe for
// concurrent use.
type Service struct {
	Builder   *request.Builder
	Client    *client.Client
	Store     store.Store
	Cache     *cache.Cache
	Directory dispatch.Directory
	Flags     dispatch.Flags
	Logger    sglog.Logger
}

// NewResults returns the results of searching q as user. Nothing is
// searched until Blobs is called.
func (s *Service) NewResults(q string, user *dispatch.User, auth access.Authorization, opts dispatch.Options) *Results {
	return &Results{
		svc:   s,
		query: q,
		user:  user,
		auth:  auth,
		opts:  opts.Normalize(),
		pages: map[[2]int]*pageResult{},
	}
}

// Results is one search. It memoizes what it computes and is not safe for
// concurrent use.
type Results struct {
	svc   *Service
	query string
	user  *dispatch.User
	auth  access.Authorization
	opts  dispatch.Options

	featuresOnce sync.Once
	features     dispatch.Features

	pages map[[2]int]*pageResult

	// last is the page most recently returned by Blobs.
	last *pageResult
}

// pageResult is a fetched page with the totals it was fetched with.
type pageResult struct {
	blobs     []dispatch.Blob
	count     int
	fileCount int
	errMsg    string
}

func (r *Results) resolvedFeatures() dispatch.Features {
	r.featuresOnce.Do(func() {
		r.features = dispatch.ResolveFeatures(r.svc.Flags, r.user)
	})
	return r.features
}

// Mode returns the search mode the query runs in.
func (r *Results) Mode() string {
	if r.opts.Modes.Regex || !r.resolvedFeatures().ExactSearch {
		return ModeRegex
	}
	return ModeExact
}

// searchQuery is the query sent to the nodes.
func (r *Results) searchQuery() string {
	if r.Mode() == ModeExact {
		return query.ExactSearchQuery(r.query)
	}
	return r.query
}

// Blobs returns the one-based page of results. Failures to reach the nodes
// are not returned: the page is empty and Error describes the failure.
// Invalid options are returned as errors wrapping dispatch.ErrInvalidArgument.
func (r *Results) Blobs(ctx context.Context, page, perPage int) ([]dispatch.Blob, error) {
	if strings.TrimSpace(r.query) == "" {
		return nil, nil
	}
	if r.opts.ProjectIDs.Has() && len(r.opts.ProjectIDs.Value()) == 0 {
		return nil, nil
	}

	opts := r.opts
	opts.Page, opts.PerPage = page, perPage
	opts = opts.Normalize()

	key := [2]int{opts.Page, opts.PerPage}
	if p, ok := r.pages[key]; ok {
		r.last = p
		return p.blobs, nil
	}

	entry, err := r.svc.cache().Fetch(ctx, cache.Request{
		User:    r.user,
		Query:   r.query,
		Options: opts,
		Mode:    r.Mode(),
		Enabled: r.resolvedFeatures().CacheResponses,
	}, func(ctx context.Context, pageLimit int) (*cache.Pages, error) {
		return r.fetch(ctx, opts, pageLimit)
	})
	if err != nil {
		if !absorbed(err) {
			return nil, err
		}
		metricSearches.WithLabelValues("failed").Inc()
		r.svc.logger().Warn("search failed", sglog.String("query", r.query), sglog.Error(err))
		r.remember(key, &pageResult{errMsg: err.Error()})
		return nil, nil
	}

	blobs, dropped, err := r.dropStale(ctx, entry.Results)
	if err != nil {
		return nil, err
	}
	count := entry.Total - dropped
	if count < 0 {
		count = 0
	}
	r.remember(key, &pageResult{blobs: blobs, count: count, fileCount: entry.FileCount})
	return blobs, nil
}

func (r *Results) remember(key [2]int, p *pageResult) {
	r.pages[key] = p
	r.last = p
}

// absorbed reports whether err is a failure of the search nodes rather than
// of the request.
func absorbed(err error) bool {
	var (
		ce *client.ClientConnectionError
		be *client.BackoffError
		fe *client.FailureResponseError
	)
	return errors.As(err, &ce) || errors.As(err, &be) || errors.As(err, &fe) ||
		errors.Is(err, dispatch.ErrNoNodesAvailable) || errors.Is(err, dispatch.ErrNoReplicaFound)
}

// fetch searches and decodes the first pageLimit pages.
func (r *Results) fetch(ctx context.Context, opts dispatch.Options, pageLimit int) (*cache.Pages, error) {
	features := r.resolvedFeatures()
	bal := balancer.New(r.svc.Store, balancer.Disabled(!features.LoadBalancer))

	payload, nodes, err := r.svc.Builder.Build(ctx, request.Request{
		Query:      r.searchQuery(),
		User:       r.user,
		Auth:       r.auth,
		Options:    opts,
		Features:   features,
		Balancer:   bal,
		MaxResults: dispatch.MaxResultCount,
	})
	if err != nil {
		return nil, err
	}

	proxy, err := bal.Pick(ctx, nodes)
	if err != nil {
		r.svc.logger().Warn("failed to pick least loaded node", sglog.Error(err))
		if len(nodes) > 0 {
			proxy = &nodes[0]
		}
	}
	if proxy == nil {
		return nil, dispatch.ErrNoNodesAvailable
	}

	done := bal.Track(ctx, *proxy, func(err error) {
		r.svc.logger().Warn("failed to track node load", sglog.Int64("node", proxy.ID), sglog.Error(err))
	})
	start := time.Now()
	res, err := r.svc.Client.Search(ctx, *proxy, payload)
	done()
	if err != nil {
		return nil, err
	}
	metricSearches.WithLabelValues("ok").Inc()
	r.svc.logger().Debug("searched",
		sglog.String("proxy", proxy.String()),
		sglog.Int("nodes", len(nodes)),
		sglog.Int("matches", res.MatchCount),
		sglog.Duration("duration", time.Since(start)))

	return decode(res, opts, pageLimit), nil
}

// decode buckets res into pages of opts.PerPage results and stops after
// pageLimit pages.
func decode(res *dispatch.SearchResult, opts dispatch.Options, pageLimit int) *cache.Pages {
	total := res.MatchCount
	if total > dispatch.MaxResultCount {
		total = dispatch.MaxResultCount
	}
	pages := &cache.Pages{Total: total, FileCount: res.FileCount}

	var extractor *multimatch.Extractor
	if opts.MultiMatch.Has() {
		extractor = multimatch.New(opts.MultiMatch.Value())
	}

	i := 0
	add := func(b dispatch.Blob) bool {
		bucket := i / opts.PerPage
		if bucket >= pageLimit {
			return false
		}
		if bucket == len(pages.Buckets) {
			pages.Buckets = append(pages.Buckets, nil)
		}
		pages.Buckets[bucket] = append(pages.Buckets[bucket], b)
		i++
		return true
	}

	for fi := range res.Files {
		file := &res.Files[fi]
		pid := ExtractProjectID(file)

		if extractor != nil {
			if !add(fileBlob(pid, file, extractor)) {
				return pages
			}
			continue
		}
		for li := range file.LineMatches {
			if !add(lineBlob(pid, file, &file.LineMatches[li])) {
				return pages
			}
		}
	}
	return pages
}

// lineBlob returns the result for one line match, with its context.
func lineBlob(pid int64, file *dispatch.FileMatch, m *dispatch.LineMatch) dispatch.Blob {
	b := dispatch.NewBlob(pid, file)
	before := strings.TrimSuffix(string(m.Before), "\n")
	b.StartLine = m.LineNumber
	var sb strings.Builder
	if before != "" {
		b.StartLine -= strings.Count(before, "\n") + 1
		sb.WriteString(before)
		sb.WriteByte('\n')
	}
	sb.WriteString(strings.TrimSuffix(string(m.Line), "\n"))
	if after := strings.TrimSuffix(string(m.After), "\n"); after != "" {
		sb.WriteByte('\n')
		sb.WriteString(after)
	}
	b.Data = sb.String()
	if b.StartLine < 1 {
		b.StartLine = 1
	}
	return b
}

// fileBlob returns the result for all matches of a file, grouped in chunks.
func fileBlob(pid int64, file *dispatch.FileMatch, e *multimatch.Extractor) dispatch.Blob {
	b := dispatch.NewBlob(pid, file)
	b.Chunks, b.MatchCount = e.ChunksForFile(file)
	b.MatchCountTotal = len(file.LineMatches)
	if len(file.LineMatches) > 0 {
		b.StartLine = file.LineMatches[0].LineNumber
		b.Data = strings.TrimSuffix(string(file.LineMatches[0].Line), "\n")
	}
	return b
}

// dropStale removes results of projects that were deleted after they were
// indexed. It returns the number of results removed.
func (r *Results) dropStale(ctx context.Context, blobs []dispatch.Blob) ([]dispatch.Blob, int, error) {
	if len(blobs) == 0 || r.svc.Directory == nil {
		return blobs, 0, nil
	}
	ids := make([]int64, 0, len(blobs))
	seen := map[int64]bool{}
	for _, b := range blobs {
		if !seen[b.ProjectID] {
			seen[b.ProjectID] = true
			ids = append(ids, b.ProjectID)
		}
	}
	projects, err := r.svc.Directory.ProjectsByID(ctx, ids)
	if err != nil {
		return nil, 0, errors.Wrap(err, "resolve projects")
	}

	kept := blobs[:0:0]
	for _, b := range blobs {
		if p, ok := projects[b.ProjectID]; ok && !p.PendingDelete {
			kept = append(kept, b)
		}
	}
	dropped := len(blobs) - len(kept)
	if dropped > 0 {
		metricStaleResults.Add(float64(dropped))
	}
	return kept, dropped, nil
}

// Count is the number of matches reported with the page last returned by
// Blobs, at most dispatch.MaxResultCount.
func (r *Results) Count() int {
	if r.last == nil {
		return 0
	}
	return r.last.count
}

func (r *Results) FileCount() int {
	if r.last == nil {
		return 0
	}
	return r.last.fileCount
}

// Error describes why the search of the page last returned by Blobs failed.
// It is empty on success.
func (r *Results) Error() string {
	if r.last == nil {
		return ""
	}
	return r.last.errMsg
}

// Failed reports whether the search of the page last returned by Blobs
// failed.
func (r *Results) Failed() bool { return r.Error() != "" }

// FormattedCount returns Count for display. A count at the ceiling gets a
// "+" suffix since more results may exist.
func (r *Results) FormattedCount() string {
	return FormatCount(r.Count())
}

func FormatCount(n int) string {
	s := humanize.Comma(int64(n))
	if n >= dispatch.MaxResultCount {
		s += "+"
	}
	return s
}

// ExtractProjectID returns the project id of a match. RepositoryID is zero
// for ids that do not fit in 32 bits; the repository name holds the id then.
func ExtractProjectID(file *dispatch.FileMatch) int64 {
	if file.RepositoryID != 0 {
		return int64(file.RepositoryID)
	}
	id, err := strconv.ParseInt(file.Repository, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *Service) cache() *cache.Cache {
	if s.Cache != nil {
		return s.Cache
	}
	return cache.New(s.Store, s.logger())
}

func (s *Service) logger() sglog.Logger {
	if s.Logger == nil {
		return sglog.Scoped("search", "code search")
	}
	return s.Logger
}

