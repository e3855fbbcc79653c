package reservation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
)

var (
	ErrDuplicateID = errors.New("reservation id already exists")
	ErrUnknownID   = errors.New("reservation id not found")
	ErrNotActive   = errors.New("reservation is not active")
)

// Table stores every reservation ever created. Terminal records stay for
// history but are skipped by the active-only queries.
type Table struct {
	mu     sync.RWMutex
	byID   map[string]*Reservation
	byUser map[string][]string
}

func NewTable() *Table {
	return &Table{
		byID:   make(map[string]*Reservation),
		byUser: make(map[string][]string),
	}
}

func (t *Table) Insert(r Reservation) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownID)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("reservation %s: quantity must be positive", r.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byID[r.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}
	cp := r
	t.byID[r.ID] = &cp
	t.byUser[r.UserID] = append(t.byUser[r.UserID], r.ID)
	return nil
}

func (t *Table) Get(id string) (Reservation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.byID[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// Transition moves an active reservation to a terminal status.
func (t *Table) Transition(id string, to Status, at time.Time) (Reservation, error) {
	if !to.Terminal() {
		return Reservation{}, fmt.Errorf("invalid target status %q", to)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.byID[id]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if r.Status != StatusActive {
		return *r, fmt.Errorf("%w: %s is %s", ErrNotActive, id, r.Status)
	}
	closed := at.UTC()
	r.Status = to
	r.ClosedAt = &closed
	return *r, nil
}

// ForUser returns the user's reservations oldest first; activeOnly skips
// terminal records.
func (t *Table) ForUser(userID string, activeOnly bool) []Reservation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Reservation, 0, len(t.byUser[userID]))
	for _, id := range t.byUser[userID] {
		r := t.byID[id]
		if activeOnly && r.Status != StatusActive {
			continue
		}
		out = append(out, *r)
	}
	sortByCreated(out)
	return out
}

// FindActive returns the user's active reservations for medicationID,
// restricted to storeID unless it is empty.
func (t *Table) FindActive(userID, medicationID, storeID string) []Reservation {
	out := make([]Reservation, 0, 1)
	for _, r := range t.ForUser(userID, true) {
		if r.MedicationID != medicationID {
			continue
		}
		if storeID != "" && r.StoreID != storeID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DueAt returns active reservations whose expiry is at or before now.
func (t *Table) DueAt(now time.Time) []Reservation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Reservation, 0)
	for _, r := range t.byID {
		if r.Status == StatusActive && !r.ExpiresAt.After(now) {
			out = append(out, *r)
		}
	}
	sortByCreated(out)
	return out
}

// ActiveQuantities sums active quantities per inventory key.
func (t *Table) ActiveQuantities() map[inventory.Key]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[inventory.Key]int)
	for _, r := range t.byID {
		if r.Status == StatusActive {
			out[r.InventoryKey()] += r.Quantity
		}
	}
	return out
}

func sortByCreated(rs []Reservation) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
