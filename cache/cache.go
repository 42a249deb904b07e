// Package cache stores pages of search results in the shared store. A miss
// fetches several pages in one trip to the search nodes and caches all of
// them, so paging through a result set rarely searches again.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	sglog "github.com/sourcegraph/log"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

const (
	keyPrefix = "zoekt:search:cache:"

	// TTL is how long a cached page is served.
	TTL = 5 * time.Minute

	// PrefetchPages is the number of pages fetched on a miss.
	PrefetchPages = 10

	// maxPerPage disables caching for larger pages.
	maxPerPage = 2 * dispatch.DefaultPerPage
)

var metricLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zoekt_dispatch_result_cache_lookups_total",
	Help: "The number of result cache lookups.",
}, []string{"result"}) // result=hit|miss|bypass

// Entry is one cached page.
type Entry struct {
	Results   []dispatch.Blob `json:"results"`
	Total     int             `json:"total_count"`
	FileCount int             `json:"file_count"`
}

// Pages are the results of one search, bucketed by zero-based page.
type Pages struct {
	Buckets   [][]dispatch.Blob
	Total     int
	FileCount int
}

// Entry returns the one-based page of p.
func (p *Pages) Entry(page int) Entry {
	e := Entry{Total: p.Total, FileCount: p.FileCount}
	if page >= 1 && page <= len(p.Buckets) {
		e.Results = p.Buckets[page-1]
	}
	return e
}

func (p *Pages) empty() bool {
	for _, b := range p.Buckets {
		if len(b) > 0 {
			return false
		}
	}
	return true
}

// FetchFunc searches and returns the first pageLimit pages.
type FetchFunc func(ctx context.Context, pageLimit int) (*Pages, error)

// Request identifies a page of a search.
type Request struct {
	User    *dispatch.User
	Query   string
	Options dispatch.Options

	// Mode is the search mode the query was run with, eg "exact".
	Mode string

	// Enabled is the resolved state of the cache feature flag.
	Enabled bool
}

// Fingerprint hashes everything but the user and the page that changes the
// results of r. Filters are hashed in sorted order.
func (r *Request) Fingerprint() string {
	o := r.Options.Normalize()
	h := xxhash.New()
	write := func(s string) {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	write(r.Query)
	write(string(o.SearchLevel))
	write(strconv.FormatInt(o.ProjectID.ValueOrDefault(0), 10))
	write(strconv.FormatInt(o.GroupID.ValueOrDefault(0), 10))
	write(r.Mode)
	if o.MultiMatch.Has() {
		write(strconv.Itoa(o.MultiMatch.Value()))
	} else {
		write("")
	}
	write(strings.Join(o.Filters.FilterPairs(), "&"))
	return strconv.FormatUint(h.Sum64(), 16)
}

func (r *Request) cacheable() bool {
	o := r.Options.Normalize()
	return r.Enabled && (o.ProjectID.Has() || o.GroupID.Has()) && o.PerPage <= maxPerPage
}

// Key returns the store key of the one-based page.
func (r *Request) Key(fingerprint string, page int) string {
	o := r.Options.Normalize()
	return keyPrefix + strings.Join([]string{
		strconv.FormatInt(r.User.IDOrZero(), 10),
		fingerprint,
		strconv.Itoa(o.PerPage),
		strconv.Itoa(page),
	}, ":")
}

type Cache struct {
	store  store.Store
	logger sglog.Logger
}

func New(s store.Store, logger sglog.Logger) *Cache {
	return &Cache{store: s, logger: logger.Scoped("cache", "search result cache")}
}

// Fetch returns the page of r the options ask for. Store errors are logged
// and handled like a miss.
func (c *Cache) Fetch(ctx context.Context, r Request, fn FetchFunc) (Entry, error) {
	page := r.Options.Normalize().Page

	if !r.cacheable() {
		metricLookups.WithLabelValues("bypass").Inc()
		pages, err := fn(ctx, page)
		if err != nil {
			return Entry{}, err
		}
		return pages.Entry(page), nil
	}

	fp := r.Fingerprint()
	if e, ok := c.get(ctx, r.Key(fp, page)); ok {
		metricLookups.WithLabelValues("hit").Inc()
		return e, nil
	}
	metricLookups.WithLabelValues("miss").Inc()

	limit := page
	if limit < PrefetchPages {
		limit = PrefetchPages
	}
	pages, err := fn(ctx, limit)
	if err != nil {
		return Entry{}, err
	}

	if !pages.empty() && pages.Total > 0 && pages.FileCount > 0 {
		c.set(ctx, r, fp, pages, limit)
	}
	return pages.Entry(page), nil
}

func (c *Cache) get(ctx context.Context, key string) (Entry, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("failed to read cached page", sglog.String("key", key), sglog.Error(err))
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("failed to decode cached page", sglog.String("key", key), sglog.Error(err))
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) set(ctx context.Context, r Request, fp string, pages *Pages, limit int) {
	entries := make(map[string][]byte, limit)
	for page := 1; page <= limit; page++ {
		raw, err := json.Marshal(pages.Entry(page))
		if err != nil {
			c.logger.Warn("failed to encode page", sglog.Int("page", page), sglog.Error(err))
			return
		}
		entries[r.Key(fp, page)] = raw
	}
	if err := c.store.SetMulti(ctx, entries, TTL); err != nil {
		c.logger.Warn("failed to cache pages", sglog.Int("pages", limit), sglog.Error(err))
	}
}
