package dialer

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/collection-cli/internal/model"
	"github.com/sells-group/collection-cli/internal/resilience"
)

// pageNamespace seeds deterministic page keys.
var pageNamespace = uuid.MustParse("9a7d3e21-0c4b-4f8e-a6d2-3b5e1f7c8d40")

// Page is a slice of one vendor's placements submitted together.
type Page struct {
	Key        string
	Vendor     string
	Index      int
	Candidates []model.Candidate
}

// ObligationIDs lists the page's obligations in page order.
func (p Page) ObligationIDs() []int64 {
	ids := make([]int64, len(p.Candidates))
	for i, c := range p.Candidates {
		ids[i] = c.ObligationID()
	}
	return ids
}

// Batch builds the wire payload for the page.
func (p Page) Batch(bucketID string, runDate time.Time) Batch {
	b := Batch{PageKey: p.Key, Vendor: p.Vendor, BucketID: bucketID, RunDate: model.Day(runDate), Items: make([]Item, len(p.Candidates))}
	for i, c := range p.Candidates {
		b.Items[i] = Item{
			ObligationID: c.Obligation.ID,
			AccountID:    c.Obligation.AccountID,
			Phone:        c.Obligation.Phone,
			Name:         c.Obligation.Name,
			DueAmount:    c.Obligation.DueAmount,
			DPD:          c.DPD,
		}
	}
	return b
}

// PageResult is the settled outcome of a page: a task id when the vendor
// accepted it, or the last error once the retry budget is spent.
type PageResult struct {
	Page     Page
	TaskID   string
	Err      error
	Attempts int
}

// Sent reports whether the vendor accepted the page.
func (r PageResult) Sent() bool { return r.Err == nil }

// Config bounds a dispatch.
type Config struct {
	PageSize    int
	Concurrency int
	PageTimeout time.Duration
	Retry       resilience.RetryConfig
}

// Dispatcher submits pages to vendors with bounded concurrency, retries and a
// circuit breaker per vendor.
type Dispatcher struct {
	registry *Registry
	breakers *resilience.ServiceBreakers
	cfg      Config
	log      *zap.Logger
}

// NewDispatcher creates a dispatcher. breakers may be shared between jobs so
// one vendor outage trips every bucket.
func NewDispatcher(registry *Registry, breakers *resilience.ServiceBreakers, cfg Config) *Dispatcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if breakers == nil {
		breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return &Dispatcher{
		registry: registry,
		breakers: breakers,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "dialer.dispatcher")),
	}
}

// Pages splits a vendor's candidates into pages. Candidates are ordered by
// obligation id first, so the same population always yields the same pages
// and keys.
func (d *Dispatcher) Pages(vendor, bucketID string, runDate time.Time, candidates []model.Candidate) []Page {
	sorted := make([]model.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObligationID() < sorted[j].ObligationID() })

	var pages []Page
	for start := 0; start < len(sorted); start += d.cfg.PageSize {
		end := min(start+d.cfg.PageSize, len(sorted))
		p := Page{Vendor: vendor, Index: len(pages), Candidates: sorted[start:end]}
		p.Key = PageKey(vendor, bucketID, runDate, p.ObligationIDs())
		pages = append(pages, p)
	}
	return pages
}

// PageKey derives the idempotency key of a page from its content.
func PageKey(vendor, bucketID string, runDate time.Time, obligationIDs []int64) string {
	var sb strings.Builder
	sb.WriteString(vendor)
	sb.WriteByte('|')
	sb.WriteString(bucketID)
	sb.WriteByte('|')
	sb.WriteString(model.FormatDate(runDate))
	for _, id := range obligationIDs {
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatInt(id, 10))
	}
	return uuid.NewSHA1(pageNamespace, []byte(sb.String())).String()
}

// Dispatch submits every page and calls onPage once per settled page.
// onPage calls are serialized. A page that fails after its retries is
// reported, not returned; Dispatch only returns an error when onPage fails or
// ctx is cancelled, and in that case unsettled pages are never reported.
func (d *Dispatcher) Dispatch(ctx context.Context, bucketID string, runDate time.Time, pages []Page, onPage func(PageResult) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	var mu sync.Mutex
	for _, p := range pages {
		g.Go(func() error {
			res := d.submit(gctx, bucketID, runDate, p)
			if res.Err != nil && gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			return onPage(res)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) submit(ctx context.Context, bucketID string, runDate time.Time, p Page) PageResult {
	res := PageResult{Page: p}
	client, err := d.registry.Get(p.Vendor)
	if err != nil {
		res.Err = err
		return res
	}

	batch := p.Batch(bucketID, runDate)
	breaker := d.breakers.Get(p.Vendor)
	retry := d.cfg.Retry
	retry.ShouldRetry = func(err error) bool {
		return !eris.Is(err, resilience.ErrCircuitOpen) && resilience.IsTransient(err)
	}
	retry.OnRetry = resilience.RetryLogger(p.Vendor, "submit_batch")

	res.TaskID, res.Err = resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		res.Attempts++
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (string, error) {
			actx, cancel := context.WithTimeout(ctx, d.cfg.PageTimeout)
			defer cancel()
			return client.SubmitBatch(actx, batch)
		})
	})

	if res.Err != nil {
		d.log.Warn("vendor page failed",
			zap.String("vendor", p.Vendor),
			zap.String("bucket", bucketID),
			zap.String("page_key", p.Key),
			zap.Int("size", len(p.Candidates)),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
	}
	return res
}

// BreakerStates exposes per-vendor circuit states for monitoring.
func (d *Dispatcher) BreakerStates() map[string]resilience.CircuitState {
	return d.breakers.States()
}
