package document

import (
	"context"
	"sync"
)

// FSProvider is an in-memory Provider backed by nothing but its own
// fields. Tests and the demo serve mode use it in place of an editor.
type FSProvider struct {
	mu        sync.RWMutex
	active    string
	selection string
	cellOut   string
	saves     map[string]int
	reverts   map[string]int
}

// NewFSProvider returns an empty provider with no active document.
func NewFSProvider() *FSProvider {
	return &FSProvider{
		saves:   make(map[string]int),
		reverts: make(map[string]int),
	}
}

// SetActive makes path the foreground document.
func (p *FSProvider) SetActive(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = path
}

// SetSelection seeds the text reported by SelectionText.
func (p *FSProvider) SetSelection(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selection = text
}

// SetCellOutput seeds the text reported by CellOutput.
func (p *FSProvider) SetCellOutput(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cellOut = text
}

func (p *FSProvider) ActivePath() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

func (p *FSProvider) SelectionText(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selection, nil
}

func (p *FSProvider) CellOutput(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cellOut, nil
}

func (p *FSProvider) Save(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves[path]++
	return nil
}

func (p *FSProvider) Revert(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reverts[path]++
	return nil
}

// SaveCount reports how many times Save was called for path.
func (p *FSProvider) SaveCount(path string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.saves[path]
}

// RevertCount reports how many times Revert was called for path.
func (p *FSProvider) RevertCount(path string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reverts[path]
}
