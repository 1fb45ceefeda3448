// Package fetcher walks the paginated log endpoint for a set of sessions.
//
// Pages are requested strictly one after another with a short pause in
// between, so memory stays bounded and the upstream service never sees a
// burst of large page requests. Every walk owns a cancel.Token; starting a
// walk for a different key supersedes the running one, while a request for
// the key already in flight joins it.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"drivetest-pipeline/internal/cancel"
	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/monitoring"
	"drivetest-pipeline/internal/parser"
	"drivetest-pipeline/internal/upstream"
)

const (
	DefaultPageSize  = 10000
	DefaultMaxPages  = 100
	DefaultPageDelay = 100 * time.Millisecond
)

// ErrNoData is wrapped by total failures where nothing usable was received
var ErrNoData = errors.New("fetcher: no data received")

// PageSource supplies raw log pages
type PageSource interface {
	FetchLogPage(ctx context.Context, sessionIDs []string, page, pageSize int) (*upstream.LogPage, error)
}

// Observer receives progress after every applied page
type Observer func(key string, p models.Progress)

// Config tunes the page walk
type Config struct {
	PageSize  int
	MaxPages  int
	PageDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.PageDelay < 0 {
		c.PageDelay = 0
	}
	return c
}

// Result is the outcome of one logical fetch
type Result struct {
	Key       string             `json:"key"`
	Samples   []models.LogSample `json:"samples"`
	Summary   models.Summary     `json:"summary"`
	Progress  models.Progress    `json:"progress"`
	Drops     models.DropStats   `json:"drops"`
	Pages     int                `json:"pages"`
	Partial   bool               `json:"partial"`
	Cancelled bool               `json:"cancelled"`
	// Err is the non-fatal error behind a partial result
	Err error `json:"-"`
}

// State is the live view published for UI collaborators
type State struct {
	Key      string
	Samples  []models.LogSample
	Progress models.Progress
	Loading  bool
	Partial  bool
	Err      error
}

type flight struct {
	key    string
	ids    []string
	token  *cancel.Token
	done   chan struct{}
	result *Result
	err    error
}

// Fetcher runs paginated walks. It is safe for concurrent use.
type Fetcher struct {
	src     PageSource
	parser  *parser.Parser
	cfg     Config
	logger  zerolog.Logger
	metrics *monitoring.Metrics
	base    context.Context

	mu        sync.Mutex
	flight    *flight
	state     State
	observers []Observer
}

// Option customizes a Fetcher
type Option func(*Fetcher)

// WithMetrics reports pages and drops to m
func WithMetrics(m *monitoring.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithObserver registers a progress observer
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observers = append(f.observers, o) }
}

// WithBaseContext bounds every walk by ctx (service lifetime)
func WithBaseContext(ctx context.Context) Option {
	return func(f *Fetcher) { f.base = ctx }
}

// New creates a fetcher
func New(src PageSource, p *parser.Parser, cfg Config, logger zerolog.Logger, opts ...Option) *Fetcher {
	if p == nil {
		p = parser.NewParser(nil)
	}
	f := &Fetcher{
		src:    src,
		parser: p,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "fetcher").Logger(),
		base:   context.Background(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchKey canonicalizes a session id set: trimmed, deduplicated, sorted, comma-joined
func FetchKey(sessionIDs []string) string {
	seen := make(map[string]struct{}, len(sessionIDs))
	ids := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// SplitKey is the inverse of FetchKey
func SplitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, ",")
}

// Observe registers an additional progress observer
func (f *Fetcher) Observe(o Observer) {
	f.mu.Lock()
	f.observers = append(f.observers, o)
	f.mu.Unlock()
}

// Fetch retrieves every page for the sessions. A cancelled fetch returns a
// result with Cancelled set and no error. A partial failure returns the data
// accumulated so far with Partial and Err set, also without error. Only a
// failure that produced no usable data is returned as an error.
func (f *Fetcher) Fetch(ctx context.Context, sessionIDs []string) (*Result, error) {
	key := FetchKey(sessionIDs)
	if key == "" {
		return &Result{Samples: []models.LogSample{}}, nil
	}

	f.mu.Lock()
	fl := f.flight
	if fl == nil || fl.key != key || fl.token.Cancelled() {
		if fl != nil {
			f.logger.Debug().Str("key", fl.key).Str("next", key).Msg("superseding in-flight fetch")
			fl.token.Supersede()
		}
		fl = &flight{
			key:   key,
			ids:   SplitKey(key),
			token: cancel.New(f.base, key),
			done:  make(chan struct{}),
		}
		f.flight = fl
		f.state = State{Key: key, Loading: true}
		go f.run(fl)
	}
	f.mu.Unlock()

	select {
	case <-fl.done:
		return fl.result, fl.err
	case <-ctx.Done():
		return &Result{Key: key, Cancelled: true}, nil
	}
}

// Cancel stops the in-flight walk, if any
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	fl := f.flight
	f.mu.Unlock()
	if fl != nil {
		fl.token.Cancel()
	}
}

// Snapshot returns the live state of the current (or last) fetch
func (f *Fetcher) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fetcher) run(fl *flight) {
	res := f.walk(fl)

	var err error
	switch {
	case res.Cancelled:
		f.metrics.FetchOutcome("cancelled")
	case res.Err != nil && len(res.Samples) == 0:
		err = fmt.Errorf("%w: %w", ErrNoData, res.Err)
		f.metrics.FetchOutcome("failed")
		f.logger.Error().Err(res.Err).Str("key", fl.key).Msg("fetch failed")
	case res.Err != nil:
		res.Partial = true
		f.metrics.FetchOutcome("partial")
		f.logger.Warn().Err(res.Err).Str("key", fl.key).Int("samples", len(res.Samples)).Msg("fetch incomplete, keeping accumulated samples")
	default:
		f.metrics.FetchOutcome("complete")
		f.logger.Info().
			Str("key", fl.key).
			Int("samples", len(res.Samples)).
			Int("dropped", res.Drops.Dropped).
			Int("pages", res.Pages).
			Msg("fetch complete")
	}

	f.mu.Lock()
	if f.flight == fl {
		f.flight = nil
		if !res.Cancelled {
			f.state = State{
				Key:      fl.key,
				Samples:  res.Samples,
				Progress: res.Progress,
				Partial:  res.Partial,
				Err:      res.Err,
			}
		} else {
			f.state.Loading = false
		}
	}
	f.mu.Unlock()

	fl.result, fl.err = res, err
	if err != nil {
		fl.result = nil
	}
	close(fl.done)
}

func (f *Fetcher) walk(fl *flight) *Result {
	tok := fl.token
	ctx := tok.Context()
	size := f.cfg.PageSize
	res := &Result{Key: fl.key, Samples: []models.LogSample{}}

	total, totalPages, received := 0, 1, 0
	for page := 1; ; page++ {
		if tok.Cancelled() {
			res.Cancelled = true
			return res
		}

		lp, err := f.src.FetchLogPage(ctx, fl.ids, page, size)
		if err != nil {
			if tok.Cancelled() || cancel.IsCancellation(err) {
				res.Cancelled = true
				return res
			}
			res.Err = fmt.Errorf("page %d of %d: %w", page, totalPages, err)
			return res
		}
		f.metrics.PageFetched()

		if page == 1 {
			total = len(lp.Records)
			if lp.HasTotal {
				total = lp.Total
			}
			totalPages = (total + size - 1) / size
			if totalPages < 1 {
				totalPages = 1
			}
			res.Summary = lp.Summary
		}

		samples, drops := f.parser.ParseBatch(lp.Records)
		res.Samples = append(res.Samples, samples...)
		res.Drops.Add(drops)
		f.metrics.Dropped("parser", drops.Dropped)

		received += len(lp.Records)
		res.Pages = page
		res.Progress = models.Progress{Current: received, Total: total, Page: page, TotalPages: totalPages}
		f.publish(fl, res)

		if page >= totalPages || len(lp.Records) < size || page >= f.cfg.MaxPages {
			if page >= f.cfg.MaxPages && page < totalPages {
				f.logger.Warn().Str("key", fl.key).Int("pages", page).Int("reported_pages", totalPages).Msg("page safety bound reached")
			}
			return res
		}

		if err := sleep(ctx, f.cfg.PageDelay); err != nil {
			res.Cancelled = true
			return res
		}
	}
}

// publish exposes progress only while fl is the current flight
func (f *Fetcher) publish(fl *flight, res *Result) {
	f.mu.Lock()
	if f.flight != fl || fl.token.Cancelled() {
		f.mu.Unlock()
		return
	}
	f.state.Samples = res.Samples
	f.state.Progress = res.Progress
	observers := append([]Observer(nil), f.observers...)
	f.mu.Unlock()

	for _, o := range observers {
		o(fl.key, res.Progress)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
