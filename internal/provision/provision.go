// Package provision turns desired tab specs into host tabs, reusing open
// tabs whose normalized URL matches and creating the rest.
package provision

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tabrotate/internal/gate"
	"tabrotate/internal/host"
	"tabrotate/internal/rotation"
	logx "tabrotate/pkg/logx"
)

const defaultMaxParallel = 4

// Spec is one desired rotation entry.
type Spec struct {
	Name     string
	URL      string
	Interval time.Duration
}

func (s Spec) label(i int) string {
	if n := strings.TrimSpace(s.Name); n != "" {
		return n
	}
	if u := strings.TrimSpace(s.URL); u != "" {
		return u
	}
	return fmt.Sprintf("tab %d", i+1)
}

// Failure names one spec that could not be provisioned. Tab is "all"
// when a batch guard rejected everything.
type Failure struct {
	Tab   string `json:"tab"`
	Error string `json:"error"`
}

// Result keeps input order. Kept[i] is the spec behind Tabs[i].
type Result struct {
	Tabs   []rotation.TabRef
	Kept   []Spec
	Errors []Failure
}

// Limiter is the batch rate gate.
type Limiter interface {
	Allow(key string) bool
}

// URLChecker is the per-spec security gate.
type URLChecker interface {
	Check(raw string) error
}

type Option func(*Engine)

func WithLimiter(l Limiter) Option      { return func(e *Engine) { e.limiter = l } }
func WithURLGuard(g URLChecker) Option  { return func(e *Engine) { e.guard = g } }
func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }
func WithMaxParallel(n int) Option      { return func(e *Engine) { e.SetMaxParallel(n) } }

type Engine struct {
	tabs    host.Tabs
	limiter Limiter
	guard   URLChecker
	log     logx.Logger

	maxParallel atomic.Int32
}

func New(tabs host.Tabs, opts ...Option) *Engine {
	e := &Engine{tabs: tabs}
	e.maxParallel.Store(defaultMaxParallel)
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

func (e *Engine) SetMaxParallel(n int) {
	if n <= 0 {
		n = defaultMaxParallel
	}
	e.maxParallel.Store(int32(n))
}

// CreateOrReuse provisions specs. Batch guards (rate limit, host
// capability) fail the whole call with one "all" error; past them every
// spec succeeds or fails on its own. Nothing is retried.
func (e *Engine) CreateOrReuse(ctx context.Context, specs []Spec) Result {
	if e.limiter != nil && !e.limiter.Allow(gate.KeyTabsCreate) {
		e.log.Warn("tab creation rate limited", logx.Int("specs", len(specs)))
		return Result{Errors: []Failure{{Tab: "all", Error: "rate limit exceeded; try again later"}}}
	}
	if e.tabs == nil || !e.tabs.Available() {
		return Result{Errors: []Failure{{Tab: "all", Error: "tab creation unavailable"}}}
	}

	existing := map[string]int64{}
	open, err := e.tabs.QueryAllTabs(ctx)
	if err != nil {
		e.log.Warn("query tabs failed; creating all", logx.Err(err))
	}
	for _, t := range open {
		if t.ID <= 0 {
			continue
		}
		key, err := NormalizeURL(t.URL)
		if err != nil {
			continue
		}
		if _, dup := existing[key]; !dup {
			existing[key] = t.ID
		}
	}

	type outcome struct {
		ref    rotation.TabRef
		err    error
		reused bool
	}
	outcomes := make([]outcome, len(specs))

	var g errgroup.Group
	g.SetLimit(int(e.maxParallel.Load()))
	for i, spec := range specs {
		g.Go(func() error {
			id, reused, err := e.provisionOne(ctx, spec, existing)
			outcomes[i] = outcome{ref: rotation.TabRef{ID: id, Interval: spec.Interval}, err: err, reused: reused}
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	reused := 0
	for i, o := range outcomes {
		if o.err != nil {
			res.Errors = append(res.Errors, Failure{Tab: specs[i].label(i), Error: o.err.Error()})
			continue
		}
		if o.reused {
			reused++
		}
		res.Tabs = append(res.Tabs, o.ref)
		res.Kept = append(res.Kept, specs[i])
	}
	e.log.Info("tabs provisioned",
		logx.Int("specs", len(specs)),
		logx.Int("ok", len(res.Tabs)),
		logx.Int("reused", reused),
		logx.Int("failed", len(res.Errors)),
	)
	return res
}

func (e *Engine) provisionOne(ctx context.Context, spec Spec, existing map[string]int64) (int64, bool, error) {
	raw := strings.TrimSpace(spec.URL)
	if e.guard != nil {
		if err := e.guard.Check(raw); err != nil {
			return 0, false, err
		}
	}
	key, err := NormalizeURL(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid url: %w", err)
	}
	if id, ok := existing[key]; ok {
		return id, true, nil
	}
	tab, err := e.tabs.CreateTab(ctx, raw)
	if err != nil {
		return 0, false, err
	}
	if tab.ID <= 0 {
		return 0, false, fmt.Errorf("tab created without id")
	}
	return tab.ID, false, nil
}

// RemoveOtherTabs closes every open tab not in keep and returns how many
// removals the host confirmed. A failed query removes nothing.
func (e *Engine) RemoveOtherTabs(ctx context.Context, keep []int64) int {
	if e.tabs == nil {
		return 0
	}
	open, err := e.tabs.QueryAllTabs(ctx)
	if err != nil {
		e.log.Warn("query tabs failed; nothing removed", logx.Err(err))
		return 0
	}
	keepSet := make(map[int64]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	var victims []int64
	for _, t := range open {
		if _, ok := keepSet[t.ID]; ok || t.ID <= 0 {
			continue
		}
		victims = append(victims, t.ID)
	}
	if len(victims) == 0 {
		return 0
	}

	var removed atomic.Int32
	var g errgroup.Group
	g.SetLimit(int(e.maxParallel.Load()))
	for _, id := range victims {
		g.Go(func() error {
			if err := e.tabs.RemoveTab(ctx, id); err != nil {
				e.log.Debug("tab removal failed", logx.Int64("tab_id", id), logx.Err(err))
				return nil
			}
			removed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(removed.Load())
	e.log.Info("other tabs removed", logx.Int("removed", n), logx.Int("attempted", len(victims)))
	return n
}
