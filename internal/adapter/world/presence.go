package world

import (
	"context"
	"fmt"
	"sync"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/port"
)

// Directory tracks which character each persona is controlling.
type Directory struct {
	mu         sync.RWMutex
	characters map[domain.PersonaID]domain.Character
}

func NewDirectory() *Directory {
	return &Directory{characters: make(map[domain.PersonaID]domain.Character)}
}

func (d *Directory) Enter(c domain.Character) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.characters[c.Persona] = c
}

func (d *Directory) Leave(persona domain.PersonaID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.characters, persona)
}

func (d *Directory) Locate(_ context.Context, persona domain.PersonaID) (domain.Character, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.characters[persona]
	if !ok {
		return domain.Character{}, fmt.Errorf("%s: %w", persona, port.ErrNotPresent)
	}
	return c, nil
}

func (d *Directory) Online() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.characters)
}
