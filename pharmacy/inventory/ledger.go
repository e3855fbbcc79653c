// Package inventory tracks per-store medication stock and the quantity held
// by active reservations.
package inventory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	logx "github.com/tanpawarit/pharmacy-assistant/pkg/logger"
)

var (
	ErrNotFound          = errors.New("inventory record not found")
	ErrInvalidQuantity   = errors.New("quantity must be a positive integer")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrIntegrity         = errors.New("inventory invariant violated")
)

// Key identifies one inventory record.
type Key struct {
	MedicationID string
	StoreID      string
}

func (k Key) String() string {
	return k.StoreID + "/" + k.MedicationID
}

// Record is a point-in-time copy of an inventory record.
// Available is derived and never stored.
type Record struct {
	MedicationID string    `json:"medication_id"`
	StoreID      string    `json:"store_id"`
	OnHand       int       `json:"quantity_on_hand"`
	Reserved     int       `json:"reserved"`
	UpdatedAt    time.Time `json:"last_updated"`
}

func (r Record) Key() Key {
	return Key{MedicationID: r.MedicationID, StoreID: r.StoreID}
}

func (r Record) Available() int {
	if avail := r.OnHand - r.Reserved; avail > 0 {
		return avail
	}
	return 0
}

func (r Record) valid() bool {
	return r.Reserved >= 0 && r.OnHand >= 0 && r.Reserved <= r.OnHand
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) {
		l.log = logger
	}
}

// WithStrict makes invariant breaches panic instead of being logged and clamped.
func WithStrict(strict bool) Option {
	return func(l *Ledger) {
		l.strict = strict
	}
}

// Ledger holds inventory records keyed by (medication, store). Every
// check-then-mutate sequence runs under a single lock.
type Ledger struct {
	mu      sync.RWMutex
	records map[Key]*Record
	now     func() time.Time
	log     zerolog.Logger
	strict  bool
}

func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		records: make(map[Key]*Record),
		now:     time.Now,
		log:     logx.Component("inventory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Load installs records from an administrative load, replacing any record
// with the same key. The whole batch is rejected if one record is invalid.
func (l *Ledger) Load(records []Record) error {
	for _, rec := range records {
		if strings.TrimSpace(rec.MedicationID) == "" || strings.TrimSpace(rec.StoreID) == "" {
			return fmt.Errorf("%w: record has empty medication or store id", ErrIntegrity)
		}
		if !rec.valid() {
			return fmt.Errorf("%w: %s on_hand=%d reserved=%d", ErrIntegrity, rec.Key(), rec.OnHand, rec.Reserved)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	for _, rec := range records {
		cp := rec
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = now
		}
		l.records[cp.Key()] = &cp
	}
	return nil
}

// Availability returns a copy of the record.
func (l *Ledger) Availability(medicationID, storeID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[Key{MedicationID: medicationID, StoreID: storeID}]
	if !ok {
		return Record{}, fmt.Errorf("%w: store=%s medication=%s", ErrNotFound, storeID, medicationID)
	}
	return *rec, nil
}

// TryReserve increments Reserved by quantity if enough stock is available.
// A record that already violates the invariant is never reserved against.
func (l *Ledger) TryReserve(medicationID, storeID string, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[Key{MedicationID: medicationID, StoreID: storeID}]
	if !ok {
		return fmt.Errorf("%w: store=%s medication=%s", ErrNotFound, storeID, medicationID)
	}
	if !rec.valid() {
		l.fault(rec, "reserve refused on corrupt record")
		return fmt.Errorf("%w: %s on_hand=%d reserved=%d", ErrIntegrity, rec.Key(), rec.OnHand, rec.Reserved)
	}
	if rec.Available() < quantity {
		return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientStock, rec.Available(), quantity)
	}

	rec.Reserved += quantity
	rec.UpdatedAt = l.now().UTC()
	return nil
}

// Release decrements Reserved by quantity. Releasing more than is reserved
// is a caller bug: it is logged, clamped at zero and reported as ErrIntegrity
// (or panics in strict mode).
func (l *Ledger) Release(medicationID, storeID string, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[Key{MedicationID: medicationID, StoreID: storeID}]
	if !ok {
		return fmt.Errorf("%w: store=%s medication=%s", ErrNotFound, storeID, medicationID)
	}

	rec.UpdatedAt = l.now().UTC()
	if rec.Reserved < quantity {
		l.fault(rec, fmt.Sprintf("release of %d exceeds reserved", quantity))
		rec.Reserved = 0
		return fmt.Errorf("%w: release %d exceeds reserved on %s", ErrIntegrity, quantity, rec.Key())
	}
	rec.Reserved -= quantity
	return nil
}

// Restock sets the on-hand quantity. It may not drop below what is reserved.
func (l *Ledger) Restock(medicationID, storeID string, onHand int) (Record, error) {
	if onHand < 0 {
		return Record{}, ErrInvalidQuantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{MedicationID: medicationID, StoreID: storeID}
	rec, ok := l.records[key]
	if !ok {
		rec = &Record{MedicationID: medicationID, StoreID: storeID}
		l.records[key] = rec
	}
	if onHand < rec.Reserved {
		return *rec, fmt.Errorf("%w: on_hand %d below reserved %d", ErrInsufficientStock, onHand, rec.Reserved)
	}
	rec.OnHand = onHand
	rec.UpdatedAt = l.now().UTC()
	return *rec, nil
}

// Snapshot returns copies of all records ordered by store then medication.
func (l *Ledger) Snapshot() []Record {
	l.mu.RLock()
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StoreID != out[j].StoreID {
			return out[i].StoreID < out[j].StoreID
		}
		return out[i].MedicationID < out[j].MedicationID
	})
	return out
}

// Check reports every record that violates 0 <= reserved <= on_hand.
func (l *Ledger) Check() error {
	var errs []error
	for _, rec := range l.Snapshot() {
		if !rec.valid() {
			errs = append(errs, fmt.Errorf("%w: %s on_hand=%d reserved=%d", ErrIntegrity, rec.Key(), rec.OnHand, rec.Reserved))
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) fault(rec *Record, msg string) {
	if l.strict {
		panic(fmt.Sprintf("inventory: %s: %s on_hand=%d reserved=%d", msg, rec.Key(), rec.OnHand, rec.Reserved))
	}
	l.log.Error().
		Str("store_id", rec.StoreID).
		Str("medication_id", rec.MedicationID).
		Int("on_hand", rec.OnHand).
		Int("reserved", rec.Reserved).
		Msg("data-integrity fault: " + msg)
}
