package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	logx "tabrotate/pkg/logx"
)

const defaultEndpoint = "http://127.0.0.1:9222"

// cdpDriver drives Chrome page targets over the DevTools protocol.
// Target IDs are strings; the registry hands out int64 tab handles.
type cdpDriver struct {
	cfg Config
	log logx.Logger
	reg *registry

	mu      sync.RWMutex
	browser *chromedp.Browser
	release context.CancelFunc

	up    atomic.Bool
	fails int // consecutive failed probes; Run goroutine only
}

func newCDP(cfg Config, log logx.Logger) *cdpDriver {
	return &cdpDriver{cfg: cfg, log: log, reg: newRegistry()}
}

func (d *cdpDriver) Available() bool { return d.up.Load() }

// call returns a context bound to the browser executor with the per-call timeout.
func (d *cdpDriver) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	d.mu.RLock()
	b := d.browser
	d.mu.RUnlock()
	if b == nil || !d.up.Load() {
		return nil, nil, ErrUnavailable
	}
	cctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	return cdp.WithExecutor(cctx, b), cancel, nil
}

func (d *cdpDriver) CreateTab(ctx context.Context, url string) (Tab, error) {
	cctx, cancel, err := d.call(ctx)
	if err != nil {
		return Tab{}, err
	}
	defer cancel()
	id, err := target.CreateTarget(url).Do(cctx)
	if err != nil {
		return Tab{}, fmt.Errorf("create target: %w", err)
	}
	if id == "" {
		return Tab{URL: url}, nil
	}
	return Tab{ID: d.reg.handle(id), URL: url}, nil
}

func (d *cdpDriver) ActivateTab(ctx context.Context, id int64) error {
	tid, ok := d.reg.lookup(id)
	if !ok {
		return fmt.Errorf("activate %d: %w", id, ErrNotFound)
	}
	cctx, cancel, err := d.call(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := target.ActivateTarget(tid).Do(cctx); err != nil {
		return fmt.Errorf("activate target %s: %w", tid, err)
	}
	return nil
}

func (d *cdpDriver) QueryAllTabs(ctx context.Context) ([]Tab, error) {
	cctx, cancel, err := d.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	infos, err := target.GetTargets().Do(cctx)
	if err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}
	live := make(map[target.ID]struct{}, len(infos))
	tabs := make([]Tab, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		live[info.TargetID] = struct{}{}
		tabs = append(tabs, Tab{ID: d.reg.handle(info.TargetID), URL: info.URL, Title: info.Title})
	}
	d.reg.retain(live)
	return tabs, nil
}

func (d *cdpDriver) RemoveTab(ctx context.Context, id int64) error {
	tid, ok := d.reg.lookup(id)
	if !ok {
		return fmt.Errorf("remove %d: %w", id, ErrNotFound)
	}
	cctx, cancel, err := d.call(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := cdp.Execute(cctx, target.CommandCloseTarget, target.CloseTarget(tid), nil); err != nil {
		return fmt.Errorf("close target %s: %w", tid, err)
	}
	d.reg.forget(id)
	return nil
}

// Run connects, then probes the connection every ProbeInterval. A failed
// probe drops the connection; the next probe reconnects.
func (d *cdpDriver) Run(ctx context.Context) error {
	defer d.disconnect()
	t := time.NewTicker(d.cfg.ProbeInterval)
	defer t.Stop()
	for {
		d.probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (d *cdpDriver) Close() error {
	d.disconnect()
	return nil
}

func (d *cdpDriver) probe(ctx context.Context) {
	if !d.up.Load() {
		if err := d.connect(ctx); err != nil {
			d.log.Warn("browser connect failed", logx.String("mode", d.mode()), logx.Err(err))
			d.failed(ctx)
			return
		}
		d.log.Info("browser connected", logx.String("mode", d.mode()))
	}
	if _, err := d.QueryAllTabs(ctx); err != nil && ctx.Err() == nil {
		d.log.Warn("browser probe failed; reconnecting", logx.Err(err))
		d.disconnect()
		d.failed(ctx)
		return
	}
	d.fails = 0
}

func (d *cdpDriver) failed(ctx context.Context) {
	d.fails++
	if d.cfg.Recover == nil || d.fails < d.cfg.RecoverAfter || ctx.Err() != nil {
		return
	}
	d.fails = 0
	d.log.Warn("browser unreachable; running recovery", logx.Int("after", d.cfg.RecoverAfter))
	if err := d.cfg.Recover(ctx); err != nil {
		d.log.Error("browser recovery failed", logx.Err(err))
	}
}

func (d *cdpDriver) mode() string {
	if m := strings.ToLower(strings.TrimSpace(d.cfg.Mode)); m != "" {
		return m
	}
	return "remote"
}

func (d *cdpDriver) connect(ctx context.Context) error {
	// The browser connection outlives ctx; disconnect releases it.
	bctx, cancel := context.WithCancel(context.Background())

	var (
		b       *chromedp.Browser
		release context.CancelFunc
	)
	switch d.mode() {
	case "launch":
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", d.cfg.Headless))
		if p := strings.TrimSpace(d.cfg.ExecPath); p != "" {
			opts = append(opts, chromedp.ExecPath(p))
		}
		if dir := strings.TrimSpace(d.cfg.UserDataDir); dir != "" {
			opts = append(opts, chromedp.UserDataDir(dir))
		}
		actx, acancel := chromedp.NewExecAllocator(bctx, opts...)
		cctx, ccancel := chromedp.NewContext(actx)
		release = func() { ccancel(); acancel(); cancel() }
		if err := chromedp.Run(cctx); err != nil {
			release()
			return fmt.Errorf("launch browser: %w", err)
		}
		c := chromedp.FromContext(cctx)
		if c == nil || c.Browser == nil {
			release()
			return errors.New("launch browser: no browser handle")
		}
		b = c.Browser
	default:
		ws, err := resolveWebSocketURL(ctx, d.cfg.Endpoint)
		if err != nil {
			cancel()
			return err
		}
		b, err = chromedp.NewBrowser(bctx, ws)
		if err != nil {
			cancel()
			return fmt.Errorf("dial browser: %w", err)
		}
		release = cancel
	}

	d.mu.Lock()
	old := d.release
	d.browser = b
	d.release = release
	d.mu.Unlock()
	if old != nil {
		old()
	}
	d.up.Store(true)
	return nil
}

func (d *cdpDriver) disconnect() {
	d.up.Store(false)
	d.mu.Lock()
	release := d.release
	d.browser = nil
	d.release = nil
	d.mu.Unlock()
	if release != nil {
		release()
	}
}

// resolveWebSocketURL accepts a ws:// URL as-is, or asks an http endpoint's
// /json/version for its browser websocket URL.
func resolveWebSocketURL(ctx context.Context, endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("devtools discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("devtools discovery: status %d", resp.StatusCode)
	}
	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("devtools discovery: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", errors.New("devtools discovery: empty webSocketDebuggerUrl")
	}
	return v.WebSocketDebuggerURL, nil
}
