package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	logx "tabrotate/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Manager owns the live config: the initial Load, hot reloads from Watch
// and fan-out of accepted configs to subscribers.
type Manager struct {
	path  string
	log   logx.Logger
	check func(ctx context.Context, cfg *Config) error

	mu    sync.RWMutex
	cfg   *Config
	canon []byte // cfg as JSON; reloads that encode the same are skipped

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: make(map[chan *Config]struct{})}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check run on reloads after Validate, for rules that
// need runtime state. Set it before Watch.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.check = fn }

// ParseBytes decodes a config document. The name's extension selects YAML
// (.yaml/.yml) or JSON. Unknown fields and trailing data are rejected.
func ParseBytes(name string, b []byte) (*Config, error) {
	if isYAML(name) {
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(new(json.RawMessage)); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, err
	}
}

func (m *Manager) read() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(m.path, b)
}

// Load reads, validates and commits the config file. It does not publish.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, canonical(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, canon []byte) {
	m.mu.Lock()
	m.cfg, m.canon = cfg, canon
	m.mu.Unlock()
}

func canonical(cfg *Config) []byte {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	return b
}

// Subscribe returns a channel receiving each accepted reload. A subscriber
// that falls behind only ever misses older configs, never the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offerNewest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerNewest sends cfg, evicting one queued value if ch is full.
func offerNewest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload re-reads the file and publishes it if it changed and passes
// validation. Rejections keep the running config.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.read()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	canon := canonical(cfg)
	m.mu.RLock()
	same := canon != nil && bytes.Equal(canon, m.canon)
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged; skipping publish")
		return
	}
	if err := m.validate(ctx, cfg); err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	m.commit(cfg, canon)
	m.publish(cfg)
	log.Debug("config published", logx.Int("bytes", len(canon)))
}

func (m *Manager) validate(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.check == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := m.check(ctx, cfg); err != nil {
		return fmt.Errorf("runtime check: %w", err)
	}
	return nil
}
