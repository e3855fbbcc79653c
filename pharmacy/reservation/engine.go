package reservation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanpawarit/pharmacy-assistant/pharmacy/catalog"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/events"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
	logx "github.com/tanpawarit/pharmacy-assistant/pkg/logger"
)

type Config struct {
	DefaultStoreID string        `split_words:"true" default:"s001"`
	HoldDuration   time.Duration `split_words:"true" default:"24h"`
	SweepInterval  time.Duration `split_words:"true" default:"5m"`
	StrictLedger   bool          `split_words:"true" default:"false"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DefaultStoreID) == "" {
		return errors.New("default store id is required")
	}
	if c.HoldDuration <= 0 {
		return errors.New("hold duration must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

func WithSink(sink events.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = logger
	}
}

// Engine orchestrates reserve, cancel, list and expiry over one ledger and
// one table. A single mutex serializes every operation that reads then
// writes either of them; catalog lookups and event publication happen
// outside it.
type Engine struct {
	mu       sync.Mutex
	catalog  catalog.Store
	ledger   *inventory.Ledger
	table    *Table
	sink     events.Sink
	cfg      Config
	baseline map[inventory.Key]int

	now   func() time.Time
	newID func() string
	log   zerolog.Logger
}

func New(store catalog.Store, ledger *inventory.Ledger, table *Table, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("catalog store is required")
	}
	if ledger == nil {
		return nil, errors.New("inventory ledger is required")
	}
	if table == nil {
		table = NewTable()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		catalog: store,
		ledger:  ledger,
		table:   table,
		sink:    events.Nop{},
		cfg:     cfg,
		now:     time.Now,
		newID:   NewID,
		log:     logx.Component("reservation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	// Reserved stock present at load time that no reservation record accounts for.
	active := table.ActiveQuantities()
	e.baseline = make(map[inventory.Key]int)
	for _, rec := range ledger.Snapshot() {
		if extra := rec.Reserved - active[rec.Key()]; extra != 0 {
			e.baseline[rec.Key()] = extra
		}
	}

	return e, nil
}

// NewID returns "r_" followed by 32 random hex digits.
func NewID() string {
	id := uuid.New()
	return "r_" + hex.EncodeToString(id[:])
}

func (e *Engine) DefaultStoreID() string {
	return e.cfg.DefaultStoreID
}

type ReserveRequest struct {
	MedicationID string
	StoreID      string
	Quantity     int
	PhoneLast4   string
}

// Reserve places a hold. Validation short-circuits in this order: quantity,
// user, medication, prescription, duplicate hold, stock.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.Quantity <= 0 {
		return Reservation{}, newError(KindBadRequest, "", nil, "quantity must be a positive integer, got %d", req.Quantity)
	}
	medicationID := strings.TrimSpace(req.MedicationID)
	if medicationID == "" {
		return Reservation{}, newError(KindBadRequest, "", nil, "medication id is required")
	}

	user, err := e.resolveUser(ctx, req.PhoneLast4)
	if err != nil {
		return Reservation{}, err
	}
	med, err := e.resolveMedication(ctx, medicationID)
	if err != nil {
		return Reservation{}, err
	}
	if med.RequiresPrescription {
		rxs, err := e.catalog.ActivePrescriptions(ctx, user.ID, e.now().UTC())
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return Reservation{}, fmt.Errorf("load prescriptions: %w", err)
		}
		if !catalog.HasActivePrescription(rxs, med.ID, e.now().UTC()) {
			return Reservation{}, newError(KindPrescriptionRequired, SubjectMedication, nil,
				"%s requires an active prescription", med.BrandName)
		}
	}
	storeID := e.storeOrDefault(req.StoreID)

	e.mu.Lock()
	now := e.now().UTC()
	published := e.sweepLocked(now)
	res, err := e.reserveLocked(user.ID, med.ID, storeID, req.Quantity, now)
	e.mu.Unlock()

	if err == nil {
		published = append(published, eventFor(events.TypeCreated, res, now))
		e.log.Info().
			Str("reservation_id", res.ID).
			Str("user_id", res.UserID).
			Str("medication_id", res.MedicationID).
			Str("store_id", res.StoreID).
			Int("quantity", res.Quantity).
			Msg("reservation created")
	}
	e.publish(ctx, published)
	return res, err
}

func (e *Engine) reserveLocked(userID, medicationID, storeID string, quantity int, now time.Time) (Reservation, error) {
	if held := e.table.FindActive(userID, medicationID, storeID); len(held) > 0 {
		return Reservation{}, newError(KindAlreadyReserved, SubjectReservation, nil,
			"reservation %s already holds %s at %s", held[len(held)-1].ID, medicationID, storeID)
	}

	if err := e.ledger.TryReserve(medicationID, storeID, quantity); err != nil {
		return Reservation{}, ledgerError(err, medicationID, storeID)
	}

	res := Reservation{
		ID:           e.newID(),
		UserID:       userID,
		MedicationID: medicationID,
		StoreID:      storeID,
		Quantity:     quantity,
		Status:       StatusActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.HoldDuration),
	}
	if err := e.table.Insert(res); err != nil {
		if rerr := e.ledger.Release(medicationID, storeID, quantity); rerr != nil {
			e.log.Error().Err(rerr).Str("medication_id", medicationID).Str("store_id", storeID).
				Msg("rollback release failed")
		}
		return Reservation{}, fmt.Errorf("record reservation: %w", err)
	}
	return res, nil
}

// CancelByID cancels one of the caller's active reservations.
func (e *Engine) CancelByID(ctx context.Context, reservationID, phoneLast4 string) (Reservation, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return Reservation{}, newError(KindBadRequest, "", nil, "reservation id is required")
	}
	user, err := e.resolveUser(ctx, phoneLast4)
	if err != nil {
		return Reservation{}, err
	}

	e.mu.Lock()
	now := e.now().UTC()
	published := e.sweepLocked(now)
	res, err := e.cancelIDLocked(reservationID, user.ID, now)
	e.mu.Unlock()

	if err == nil {
		published = append(published, eventFor(events.TypeCancelled, res, now))
	}
	e.publish(ctx, published)
	return res, err
}

func (e *Engine) cancelIDLocked(reservationID, userID string, now time.Time) (Reservation, error) {
	r, ok := e.table.Get(reservationID)
	if !ok || r.UserID != userID {
		return Reservation{}, newError(KindNoReservation, SubjectReservation, nil,
			"no reservation %s for this user", reservationID)
	}
	if !r.IsActive() {
		return Reservation{}, newError(KindNoReservation, SubjectReservation, nil,
			"reservation %s is already %s", reservationID, r.Status)
	}
	return e.closeLocked(r, StatusCancelled, now)
}

// CancelByMedication cancels the caller's active hold on medicationID,
// optionally narrowed to storeID.
func (e *Engine) CancelByMedication(ctx context.Context, medicationID, storeID, phoneLast4 string) (Reservation, error) {
	medicationID = strings.TrimSpace(medicationID)
	if medicationID == "" {
		return Reservation{}, newError(KindBadRequest, "", nil, "medication id is required")
	}
	user, err := e.resolveUser(ctx, phoneLast4)
	if err != nil {
		return Reservation{}, err
	}
	storeID = strings.TrimSpace(storeID)

	e.mu.Lock()
	now := e.now().UTC()
	published := e.sweepLocked(now)
	res, err := e.cancelMedicationLocked(user.ID, medicationID, storeID, now)
	e.mu.Unlock()

	if err == nil {
		published = append(published, eventFor(events.TypeCancelled, res, now))
	}
	e.publish(ctx, published)
	return res, err
}

func (e *Engine) cancelMedicationLocked(userID, medicationID, storeID string, now time.Time) (Reservation, error) {
	matches := e.table.FindActive(userID, medicationID, storeID)
	if len(matches) == 0 {
		return Reservation{}, newError(KindNoReservation, SubjectReservation, nil,
			"no active reservation for %s", medicationID)
	}

	target := matches[len(matches)-1]
	if len(matches) > 1 {
		ids := make([]string, 0, len(matches))
		perStore := make(map[string]int, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
			perStore[m.StoreID]++
		}
		evt := e.log.Warn()
		for _, n := range perStore {
			if n > 1 {
				evt = e.log.Error()
				break
			}
		}
		evt.Str("user_id", userID).
			Str("medication_id", medicationID).
			Strs("reservation_ids", ids).
			Str("cancelled_id", target.ID).
			Msg("data-integrity warning: several active holds matched, cancelling the most recent")
	}
	return e.closeLocked(target, StatusCancelled, now)
}

// FindForUser lists the caller's active reservations with a medication
// snapshot resolved at read time.
func (e *Engine) FindForUser(ctx context.Context, phoneLast4 string) ([]Enriched, error) {
	user, err := e.resolveUser(ctx, phoneLast4)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	published := e.sweepLocked(e.now().UTC())
	active := e.table.ForUser(user.ID, true)
	e.mu.Unlock()
	e.publish(ctx, published)

	out := make([]Enriched, 0, len(active))
	for _, r := range active {
		item := Enriched{Reservation: r}
		med, err := e.catalog.MedicationByID(ctx, r.MedicationID)
		switch {
		case err == nil:
			item.Medication = &MedicationSummary{
				BrandName:            med.BrandName,
				GenericName:          med.GenericName,
				RequiresPrescription: med.RequiresPrescription,
			}
		case errors.Is(err, catalog.ErrNotFound):
			e.log.Warn().Str("reservation_id", r.ID).Str("medication_id", r.MedicationID).
				Msg("reservation references unknown medication")
		default:
			return nil, fmt.Errorf("resolve medication %s: %w", r.MedicationID, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// History returns every reservation of the caller, terminal ones included.
func (e *Engine) History(ctx context.Context, phoneLast4 string) ([]Reservation, error) {
	user, err := e.resolveUser(ctx, phoneLast4)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	published := e.sweepLocked(e.now().UTC())
	all := e.table.ForUser(user.ID, false)
	e.mu.Unlock()
	e.publish(ctx, published)
	return all, nil
}

// Availability sweeps expired holds and then reads the inventory record.
func (e *Engine) Availability(ctx context.Context, medicationID, storeID string) (inventory.Record, error) {
	medicationID = strings.TrimSpace(medicationID)
	if medicationID == "" {
		return inventory.Record{}, newError(KindBadRequest, "", nil, "medication id is required")
	}
	storeID = e.storeOrDefault(storeID)

	e.mu.Lock()
	published := e.sweepLocked(e.now().UTC())
	rec, err := e.ledger.Availability(medicationID, storeID)
	e.mu.Unlock()
	e.publish(ctx, published)

	if err != nil {
		return inventory.Record{}, ledgerError(err, medicationID, storeID)
	}
	return rec, nil
}

// Restock sets on-hand stock under the same lock as reservations.
func (e *Engine) Restock(medicationID, storeID string, onHand int) (inventory.Record, error) {
	medicationID = strings.TrimSpace(medicationID)
	if medicationID == "" {
		return inventory.Record{}, newError(KindBadRequest, "", nil, "medication id is required")
	}
	storeID = e.storeOrDefault(storeID)

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.ledger.Restock(medicationID, storeID, onHand)
	if err != nil {
		return rec, newError(KindBadRequest, SubjectInventory, err, "restock %s at %s to %d", medicationID, storeID, onHand)
	}
	return rec, nil
}

// Sweep expires every active reservation whose expiry has passed and
// releases its stock. It returns how many reservations expired.
func (e *Engine) Sweep(ctx context.Context) int {
	e.mu.Lock()
	published := e.sweepLocked(e.now().UTC())
	e.mu.Unlock()

	e.publish(ctx, published)
	return len(published)
}

func (e *Engine) sweepLocked(now time.Time) []events.Event {
	due := e.table.DueAt(now)
	if len(due) == 0 {
		return nil
	}
	out := make([]events.Event, 0, len(due))
	for _, r := range due {
		expired, err := e.closeLocked(r, StatusExpired, now)
		if err != nil {
			e.log.Error().Err(err).Str("reservation_id", r.ID).Msg("expire reservation")
			continue
		}
		out = append(out, eventFor(events.TypeExpired, expired, now))
	}
	e.log.Debug().Int("expired", len(out)).Msg("sweep finished")
	return out
}

// closeLocked flips an active reservation to a terminal status and releases
// its quantity in the same critical section. A failed transition releases
// nothing, so a closed reservation is never released twice.
func (e *Engine) closeLocked(r Reservation, to Status, now time.Time) (Reservation, error) {
	closed, err := e.table.Transition(r.ID, to, now)
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			return Reservation{}, newError(KindNoReservation, SubjectReservation, err, "reservation %s", r.ID)
		}
		return Reservation{}, err
	}
	if err := e.ledger.Release(r.MedicationID, r.StoreID, r.Quantity); err != nil {
		e.log.Error().Err(err).
			Str("reservation_id", r.ID).
			Str("medication_id", r.MedicationID).
			Str("store_id", r.StoreID).
			Int("quantity", r.Quantity).
			Msg("data-integrity fault while releasing reservation")
	}
	return closed, nil
}

// Audit checks the ledger invariants and that every record's reserved
// quantity equals its active holds plus the reserved stock it was loaded with.
func (e *Engine) Audit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	errs := []error{e.ledger.Check()}
	active := e.table.ActiveQuantities()
	seen := make(map[inventory.Key]struct{}, len(active))
	for _, rec := range e.ledger.Snapshot() {
		key := rec.Key()
		seen[key] = struct{}{}
		if want := e.baseline[key] + active[key]; rec.Reserved != want {
			errs = append(errs, fmt.Errorf("%w: %s reserved=%d but holds account for %d",
				inventory.ErrIntegrity, key, rec.Reserved, want))
		}
	}
	for key, qty := range active {
		if _, ok := seen[key]; !ok {
			errs = append(errs, fmt.Errorf("%w: %d units held on missing record %s", inventory.ErrIntegrity, qty, key))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) resolveUser(ctx context.Context, phoneLast4 string) (catalog.User, error) {
	user, err := e.catalog.UserByPhoneSuffix(ctx, strings.TrimSpace(phoneLast4))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.User{}, newError(KindNotFound, SubjectUser, nil, "no user for phone suffix")
		}
		return catalog.User{}, fmt.Errorf("resolve user: %w", err)
	}
	return user, nil
}

func (e *Engine) resolveMedication(ctx context.Context, medicationID string) (catalog.Medication, error) {
	med, err := e.catalog.MedicationByID(ctx, medicationID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.Medication{}, newError(KindNotFound, SubjectMedication, nil, "unknown medication %s", medicationID)
		}
		return catalog.Medication{}, fmt.Errorf("resolve medication: %w", err)
	}
	return med, nil
}

func (e *Engine) storeOrDefault(storeID string) string {
	if s := strings.TrimSpace(storeID); s != "" {
		return s
	}
	return e.cfg.DefaultStoreID
}

func (e *Engine) publish(ctx context.Context, batch []events.Event) {
	if len(batch) == 0 {
		return
	}
	if err := e.sink.Publish(ctx, batch); err != nil {
		e.log.Warn().Err(err).Int("events", len(batch)).Msg("publish reservation events")
	}
}

func ledgerError(err error, medicationID, storeID string) error {
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		return newError(KindNotFound, SubjectInventory, err, "no inventory for %s at %s", medicationID, storeID)
	case errors.Is(err, inventory.ErrInsufficientStock):
		return newError(KindInsufficientStock, SubjectInventory, err, "%s at %s", medicationID, storeID)
	case errors.Is(err, inventory.ErrIntegrity):
		return newError(KindInsufficientStock, SubjectInventory, err, "%s at %s is locked pending audit", medicationID, storeID)
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return newError(KindBadRequest, "", err, "invalid quantity")
	default:
		return err
	}
}

func eventFor(typ events.Type, r Reservation, at time.Time) events.Event {
	return events.Event{
		Type:          typ,
		ReservationID: r.ID,
		UserID:        r.UserID,
		MedicationID:  r.MedicationID,
		StoreID:       r.StoreID,
		Quantity:      r.Quantity,
		ExpiresAt:     r.ExpiresAt,
		OccurredAt:    at,
	}
}
