package host

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Memory is an in-process tab table.
//
// Failure hooks let tests script per-call host errors; nil hooks succeed.
type Memory struct {
	mu        sync.Mutex
	tabs      []Tab
	nextID    int64
	active    int64
	available bool
	hooks     MemoryHooks

	creates     int
	activations []int64
	removals    []int64
}

type MemoryHooks struct {
	Create   func(url string) (id int64, err error)
	Activate func(id int64) error
	Query    func() error
	Remove   func(id int64) error
}

func NewMemory(initial ...Tab) *Memory {
	m := &Memory{available: true}
	for _, t := range initial {
		if t.ID <= 0 {
			m.nextID++
			t.ID = m.nextID
		}
		if t.ID > m.nextID {
			m.nextID = t.ID
		}
		m.tabs = append(m.tabs, t)
	}
	return m
}

func (m *Memory) SetAvailable(v bool) {
	m.mu.Lock()
	m.available = v
	m.mu.Unlock()
}

func (m *Memory) SetHooks(h MemoryHooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

func (m *Memory) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *Memory) CreateTab(ctx context.Context, url string) (Tab, error) {
	if err := ctx.Err(); err != nil {
		return Tab{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return Tab{}, ErrUnavailable
	}
	m.creates++
	id := int64(0)
	if m.hooks.Create != nil {
		hid, err := m.hooks.Create(url)
		if err != nil {
			return Tab{}, err
		}
		id = hid
	} else {
		m.nextID++
		id = m.nextID
	}
	t := Tab{ID: id, URL: url}
	if id > 0 {
		m.tabs = append(m.tabs, t)
	}
	return t, nil
}

func (m *Memory) ActivateTab(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return ErrUnavailable
	}
	m.activations = append(m.activations, id)
	if m.hooks.Activate != nil {
		if err := m.hooks.Activate(id); err != nil {
			return err
		}
	}
	if m.indexOf(id) < 0 {
		return fmt.Errorf("activate %d: %w", id, ErrNotFound)
	}
	m.active = id
	return nil
}

func (m *Memory) QueryAllTabs(ctx context.Context) ([]Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil, ErrUnavailable
	}
	if m.hooks.Query != nil {
		if err := m.hooks.Query(); err != nil {
			return nil, err
		}
	}
	return slices.Clone(m.tabs), nil
}

func (m *Memory) RemoveTab(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return ErrUnavailable
	}
	if m.hooks.Remove != nil {
		if err := m.hooks.Remove(id); err != nil {
			return err
		}
	}
	i := m.indexOf(id)
	if i < 0 {
		return fmt.Errorf("remove %d: %w", id, ErrNotFound)
	}
	m.tabs = slices.Delete(m.tabs, i, i+1)
	m.removals = append(m.removals, id)
	if m.active == id {
		m.active = 0
	}
	return nil
}

// Run blocks until ctx is done; the table needs no connection.
func (m *Memory) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *Memory) Close() error { return nil }

// Active returns the last successfully activated tab id.
func (m *Memory) Active() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Creates counts CreateTab calls, failed ones included.
func (m *Memory) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// Activations lists every ActivateTab id in call order.
func (m *Memory) Activations() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.activations)
}

func (m *Memory) Removals() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.removals)
}

func (m *Memory) indexOf(id int64) int {
	for i, t := range m.tabs {
		if t.ID == id {
			return i
		}
	}
	return -1
}
