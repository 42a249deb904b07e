// Package client posts search payloads to zoekt nodes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	sglog "github.com/sourcegraph/log"

	dispatch "gitlab.com/gitlab-org/zoekt-dispatch"
	"gitlab.com/gitlab-org/zoekt-dispatch/fleet"
	"gitlab.com/gitlab-org/zoekt-dispatch/request"
	"gitlab.com/gitlab-org/zoekt-dispatch/store"
)

// SearchPath is the webserver route accepting request.Payload.
const SearchPath = "/webserver/api/v2/search"

var (
	metricSearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zoekt_dispatch_node_search_seconds",
		Help:    "A histogram of latencies for searches sent to a zoekt node.",
		Buckets: prometheus.ExponentialBuckets(.01, 4, 7), // 10ms -> 40s
	}, []string{"outcome"}) // outcome=ok|connection_error|failure_response

	metricBackoffSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoekt_dispatch_node_backoff_skips_total",
		Help: "The number of searches not sent because the node was backed off.",
	})
)

// ClientConnectionError is returned when the node could not be reached or
// answered with an unexpected status.
type ClientConnectionError struct {
	Node       fleet.Node
	StatusCode int
	Err        error
}

func (e *ClientConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("zoekt node %s returned status %d: %v", e.Node, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("zoekt node %s unreachable: %v", e.Node, e.Err)
}

func (e *ClientConnectionError) Unwrap() error { return e.Err }

// BackoffError is returned without contacting the node while it is backed
// off after connection failures.
type BackoffError struct {
	Node  fleet.Node
	Until time.Time
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("zoekt node %s is backed off until %s", e.Node, e.Until.UTC().Format(time.RFC3339))
}

// FailureResponseError is returned when the node answered with an error.
type FailureResponseError struct {
	Node    fleet.Node
	Message string
}

func (e *FailureResponseError) Error() string {
	return fmt.Sprintf("zoekt node %s: %s", e.Node, e.Message)
}

// Options configure a Client.
type Options struct {
	// RetryMax is the number of retries of a failed request. Zero disables
	// retries.
	RetryMax int

	// Timeout bounds a whole request, retries included. It should exceed
	// the payload timeout.
	Timeout time.Duration

	// BackoffBase and BackoffMax bound how long a node is skipped after
	// consecutive connection failures: BackoffBase * 2^(failures-1), at most
	// BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

var DefaultOptions = Options{
	Timeout:     130 * time.Second,
	BackoffBase: 5 * time.Second,
	BackoffMax:  5 * time.Minute,
}

type Client struct {
	http   *retryablehttp.Client
	store  store.Store
	logger sglog.Logger
	opts   Options

	// now is replaced in tests.
	now func() time.Time
}

func New(s store.Store, logger sglog.Logger, opts Options) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions.BackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultOptions.BackoffMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions.Timeout
	}

	logger = logger.Scoped("client", "zoekt node client")

	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.HTTPClient.Timeout = opts.Timeout
	c.Logger = nil
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug("retrying search", sglog.String("url", req.URL.String()), sglog.Int("attempt", attempt))
		}
	}
	// Return the last response instead of a generic error so its status
	// and body can be inspected.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{http: c, store: s, logger: logger, opts: opts, now: time.Now}
}

type response struct {
	Result dispatch.SearchResult
	Error  string `json:",omitempty"`
}

// Search posts p to node. The node forwards it to the endpoints in
// p.ForwardTo and merges the results.
func (c *Client) Search(ctx context.Context, node fleet.Node, p *request.Payload) (*dispatch.SearchResult, error) {
	if until, ok := c.backedOff(ctx, node); ok {
		metricBackoffSkips.Inc()
		return nil, &BackoffError{Node: node, Until: until}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, node.Endpoint()+SearchPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := c.do(ctx, node, req)
	outcome := "ok"
	switch err.(type) {
	case nil:
	case *FailureResponseError:
		outcome = "failure_response"
	default:
		outcome = "connection_error"
	}
	metricSearchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func (c *Client) do(ctx context.Context, node fleet.Node, req *retryablehttp.Request) (*dispatch.SearchResult, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure(ctx, node)
		return nil, &ClientConnectionError{Node: node, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure(ctx, node)
		return nil, &ClientConnectionError{Node: node, StatusCode: resp.StatusCode, Err: err}
	}

	var r response
	decodeErr := json.Unmarshal(raw, &r)
	if decodeErr == nil && r.Error == "" {
		r.Error = r.Result.Error
	}

	if resp.StatusCode/100 != 2 {
		if resp.StatusCode >= 500 {
			c.recordFailure(ctx, node)
		}
		if decodeErr == nil && r.Error != "" {
			return nil, &FailureResponseError{Node: node, Message: r.Error}
		}
		return nil, &ClientConnectionError{Node: node, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	c.clearBackoff(ctx, node)
	if decodeErr != nil {
		return nil, &ClientConnectionError{Node: node, StatusCode: resp.StatusCode, Err: errors.Wrap(decodeErr, "decode response")}
	}
	if r.Error != "" {
		return nil, &FailureResponseError{Node: node, Message: r.Error}
	}
	return &r.Result, nil
}

func backoffKey(node fleet.Node) string {
	return "zoekt:node_backoff:" + strconv.FormatInt(node.ID, 10)
}

func failuresKey(node fleet.Node) string {
	return "zoekt:node_backoff:failures:" + strconv.FormatInt(node.ID, 10)
}

// Backoff returns how long a node is skipped after n consecutive failures.
func (c *Client) Backoff(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	d := c.opts.BackoffBase
	for i := int64(1); i < n; i++ {
		d *= 2
		if d >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	if d > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return d
}

// backedOff reports whether node is backed off. Store errors are logged and
// never fail a search.
func (c *Client) backedOff(ctx context.Context, node fleet.Node) (time.Time, bool) {
	v, ok, err := c.store.Get(ctx, backoffKey(node))
	if err != nil {
		c.logger.Warn("failed to read node backoff", sglog.Int64("node", node.ID), sglog.Error(err))
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	until := time.UnixMilli(ms)
	return until, c.now().Before(until)
}

// recordFailure backs off node. Failures caused by the caller giving up are
// not the node's fault and are ignored.
func (c *Client) recordFailure(ctx context.Context, node fleet.Node) {
	if ctx.Err() != nil {
		return
	}
	n, err := c.store.Incr(ctx, failuresKey(node), 2*c.opts.BackoffMax)
	if err != nil {
		c.logger.Warn("failed to record node failure", sglog.Int64("node", node.ID), sglog.Error(err))
		return
	}
	d := c.Backoff(n)
	until := c.now().Add(d)
	err = c.store.SetMulti(ctx, map[string][]byte{
		backoffKey(node): []byte(strconv.FormatInt(until.UnixMilli(), 10)),
	}, d)
	if err != nil {
		c.logger.Warn("failed to back off node", sglog.Int64("node", node.ID), sglog.Error(err))
		return
	}
	c.logger.Info("backing off node",
		sglog.String("node", node.String()),
		sglog.Int64("failures", n),
		sglog.Duration("backoff", d))
}

func (c *Client) clearBackoff(ctx context.Context, node fleet.Node) {
	if err := c.store.Del(ctx, failuresKey(node), backoffKey(node)); err != nil {
		c.logger.Warn("failed to clear node backoff", sglog.Int64("node", node.ID), sglog.Error(err))
	}
}
