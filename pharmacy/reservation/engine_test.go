package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanpawarit/pharmacy-assistant/pharmacy/catalog"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/events"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 12, 30, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return s.err
}

func (s *recordingSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Type)
	}
	return out
}

func testCatalog(t *testing.T) *catalog.Memory {
	t.Helper()

	ds := catalog.Dataset{
		Medications: []catalog.Medication{
			{ID: "m001", BrandName: "Advil", GenericName: "Ibuprofen", ActiveIngredients: []string{"Ibuprofen"}},
			{ID: "m002", BrandName: "Tylenol", GenericName: "Acetaminophen", ActiveIngredients: []string{"Acetaminophen"}},
			{ID: "m005", BrandName: "SomeRxMed", GenericName: "RxGeneric", ActiveIngredients: []string{"RxIngredient"}, RequiresPrescription: true},
		},
		Users: []catalog.User{
			{ID: "u001", PhoneLast4: "1234", Prescriptions: []string{"rx1003"}},
			{ID: "u002", PhoneLast4: "9999"},
		},
		Prescriptions: []catalog.Prescription{
			{ID: "rx1003", UserID: "u001", MedicationID: "m005", Status: catalog.PrescriptionActive},
		},
	}
	for i := 0; i < 64; i++ {
		ds.Users = append(ds.Users, catalog.User{ID: fmt.Sprintf("c%03d", i), PhoneLast4: fmt.Sprintf("7%03d", i)})
	}
	mem, err := catalog.NewMemory(ds, catalog.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	return mem
}

type fixture struct {
	engine *Engine
	ledger *inventory.Ledger
	clock  *fakeClock
	sink   *recordingSink
}

func newFixture(t *testing.T, hold time.Duration, records ...inventory.Record) fixture {
	t.Helper()

	clock := newFakeClock()
	ledger := inventory.NewLedger(inventory.WithClock(clock.Now), inventory.WithLogger(zerolog.Nop()))
	if err := ledger.Load(records); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sink := &recordingSink{}
	engine, err := New(testCatalog(t), ledger, NewTable(), Config{
		DefaultStoreID: "s001",
		HoldDuration:   hold,
		SweepInterval:  time.Minute,
	}, WithClock(clock.Now), WithSink(sink), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return fixture{engine: engine, ledger: ledger, clock: clock, sink: sink}
}

func (f fixture) reserved(t *testing.T, med, store string) int {
	t.Helper()
	rec, err := f.ledger.Availability(med, store)
	if err != nil {
		t.Fatalf("Availability(%s, %s) error = %v", med, store, err)
	}
	return rec.Reserved
}

func (f fixture) audit(t *testing.T) {
	t.Helper()
	if err := f.engine.Audit(); err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	ledger := inventory.NewLedger(inventory.WithLogger(zerolog.Nop()))
	if _, err := New(testCatalog(t), ledger, nil, Config{DefaultStoreID: "s001"}); err == nil {
		t.Fatal("expected error for zero hold duration")
	}
	if _, err := New(nil, ledger, nil, Config{}); err == nil {
		t.Fatal("expected error for missing catalog")
	}
}

func TestNewIDFormat(t *testing.T) {
	t.Parallel()

	a, b := NewID(), NewID()
	if len(a) != 34 || a[:2] != "r_" {
		t.Fatalf("NewID() = %q, want r_ plus 32 hex digits", a)
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
}

func TestScenarioReserveExhaustCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 24*time.Hour, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 24, Reserved: 2})

	rec, err := f.engine.Availability(ctx, "m001", "")
	if err != nil {
		t.Fatalf("Availability() error = %v", err)
	}
	if rec.Available() != 22 {
		t.Fatalf("Available() = %d, want 22", rec.Available())
	}

	big, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 20, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve(20) error = %v", err)
	}
	if big.StoreID != "s001" {
		t.Fatalf("StoreID = %q, want default s001", big.StoreID)
	}
	if !big.ExpiresAt.Equal(big.CreatedAt.Add(24 * time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want CreatedAt+24h", big.ExpiresAt)
	}
	if rec, _ = f.engine.Availability(ctx, "m001", "s001"); rec.Available() != 2 {
		t.Fatalf("Available() after reserve = %d, want 2", rec.Available())
	}

	_, err = f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 5, PhoneLast4: "9999"})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("Reserve(5) error = %v, want InsufficientStock", err)
	}

	cancelled, err := f.engine.CancelByID(ctx, big.ID, "1234")
	if err != nil {
		t.Fatalf("CancelByID() error = %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.ClosedAt == nil {
		t.Fatalf("cancelled = %+v, want cancelled with ClosedAt", cancelled)
	}
	if rec, _ = f.engine.Availability(ctx, "m001", "s001"); rec.Available() != 22 {
		t.Fatalf("Available() after cancel = %d, want 22", rec.Available())
	}
	f.audit(t)
}

func TestReserveValidationOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour,
		inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 1},
		inventory.Record{MedicationID: "m005", StoreID: "s001", OnHand: 10},
	)

	tests := []struct {
		name    string
		req     ReserveRequest
		kind    Kind
		subject Subject
	}{
		{"zero quantity beats unknown user", ReserveRequest{MedicationID: "m404", Quantity: 0, PhoneLast4: "0000"}, KindBadRequest, ""},
		{"negative quantity", ReserveRequest{MedicationID: "m001", Quantity: -3, PhoneLast4: "1234"}, KindBadRequest, ""},
		{"unknown user beats unknown medication", ReserveRequest{MedicationID: "m404", Quantity: 1, PhoneLast4: "0000"}, KindNotFound, SubjectUser},
		{"unknown medication", ReserveRequest{MedicationID: "m404", Quantity: 1, PhoneLast4: "1234"}, KindNotFound, SubjectMedication},
		{"prescription beats stock", ReserveRequest{MedicationID: "m005", Quantity: 50, PhoneLast4: "9999"}, KindPrescriptionRequired, SubjectMedication},
		{"missing inventory record", ReserveRequest{MedicationID: "m002", Quantity: 1, PhoneLast4: "1234"}, KindNotFound, SubjectInventory},
		{"insufficient stock", ReserveRequest{MedicationID: "m001", StoreID: "s001", Quantity: 2, PhoneLast4: "1234"}, KindInsufficientStock, SubjectInventory},
	}

	for _, tt := range tests {
		_, err := f.engine.Reserve(ctx, tt.req)
		if KindOf(err) != tt.kind {
			t.Fatalf("%s: kind = %q (err %v), want %q", tt.name, KindOf(err), err, tt.kind)
		}
		if SubjectOf(err) != tt.subject {
			t.Fatalf("%s: subject = %q, want %q", tt.name, SubjectOf(err), tt.subject)
		}
	}
	if got := f.reserved(t, "m001", "s001"); got != 0 {
		t.Fatalf("reserved = %d after failed reserves, want 0", got)
	}
}

func TestReservePrescriptionGate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour, inventory.Record{MedicationID: "m005", StoreID: "s001", OnHand: 10, Reserved: 1})

	_, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m005", Quantity: 1, PhoneLast4: "9999"})
	if !errors.Is(err, ErrPrescriptionRequired) {
		t.Fatalf("Reserve() error = %v, want PrescriptionRequired", err)
	}
	if got := f.reserved(t, "m005", "s001"); got != 1 {
		t.Fatalf("reserved = %d, want unchanged 1", got)
	}

	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m005", Quantity: 1, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("Reserve() with active prescription error = %v", err)
	}
	if got := f.reserved(t, "m005", "s001"); got != 2 {
		t.Fatalf("reserved = %d, want 2", got)
	}
}

func TestReserveRejectsDuplicateHold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour,
		inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10},
		inventory.Record{MedicationID: "m001", StoreID: "s002", OnHand: 10},
	)

	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 1, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("first Reserve() error = %v", err)
	}
	for _, qty := range []int{1, 9, 500} {
		_, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", StoreID: "s001", Quantity: qty, PhoneLast4: "1234"})
		if !errors.Is(err, ErrAlreadyReserved) {
			t.Fatalf("Reserve(qty=%d) error = %v, want AlreadyReserved", qty, err)
		}
	}
	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", StoreID: "s002", Quantity: 1, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("Reserve() at another store error = %v", err)
	}
	if got := f.reserved(t, "m001", "s001"); got != 1 {
		t.Fatalf("reserved = %d, want 1", got)
	}
	f.audit(t)
}

func TestReserveNoOversellUnderConcurrency(t *testing.T) {
	t.Parallel()

	const (
		callers = 64
		stock   = 17
	)
	ctx := context.Background()
	f := newFixture(t, time.Hour, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: stock})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
		unknown  []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 1, PhoneLast4: fmt.Sprintf("7%03d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientStock):
				fail++
			default:
				unknown = append(unknown, err)
			}
		}(i)
	}
	wg.Wait()

	if len(unknown) > 0 {
		t.Fatalf("unexpected errors: %v", unknown)
	}
	if ok != stock || fail != callers-stock {
		t.Fatalf("successes = %d failures = %d, want %d and %d", ok, fail, stock, callers-stock)
	}
	if got := f.reserved(t, "m001", "s001"); got != stock {
		t.Fatalf("reserved = %d, want %d", got, stock)
	}
	f.audit(t)
}

func TestReserveSameUserConcurrentlyHoldsOnce(t *testing.T) {
	t.Parallel()

	const (
		callers  = 32
		quantity = 3
	)
	ctx := context.Background()
	f := newFixture(t, time.Hour, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 500})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		held    []Reservation
		dupes   int
		unknown []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", StoreID: "s001", Quantity: quantity, PhoneLast4: "1234"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				held = append(held, res)
			case errors.Is(err, ErrAlreadyReserved):
				dupes++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	if len(unknown) > 0 {
		t.Fatalf("unexpected errors: %v", unknown)
	}
	if len(held) != 1 || dupes != callers-1 {
		t.Fatalf("successes = %d duplicates = %d, want 1 and %d", len(held), dupes, callers-1)
	}
	if got := f.reserved(t, "m001", "s001"); got != quantity {
		t.Fatalf("reserved = %d, want %d", got, quantity)
	}
	active, err := f.engine.FindForUser(ctx, "1234")
	if err != nil {
		t.Fatalf("FindForUser() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != held[0].ID {
		t.Fatalf("active = %+v, want only %s", active, held[0].ID)
	}
	f.audit(t)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10})

	res, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 4, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := f.engine.CancelByID(ctx, res.ID, "1234"); err != nil {
		t.Fatalf("CancelByID() error = %v", err)
	}
	_, err = f.engine.CancelByID(ctx, res.ID, "1234")
	if !errors.Is(err, ErrNoReservation) {
		t.Fatalf("second CancelByID() error = %v, want NoReservation", err)
	}
	if _, err := f.engine.CancelByMedication(ctx, "m001", "", "1234"); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("CancelByMedication() after cancel error = %v, want NoReservation", err)
	}
	if got := f.reserved(t, "m001", "s001"); got != 0 {
		t.Fatalf("reserved = %d, want 0", got)
	}
	f.audit(t)
}

func TestCancelByIDRequiresOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10})

	res, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 2, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := f.engine.CancelByID(ctx, res.ID, "9999"); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("CancelByID() by stranger error = %v, want NoReservation", err)
	}
	if _, err := f.engine.CancelByID(ctx, "r_missing", "1234"); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("CancelByID() unknown id error = %v, want NoReservation", err)
	}
	if _, err := f.engine.CancelByID(ctx, "", "1234"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("CancelByID() empty id error = %v, want BadRequest", err)
	}
	if _, err := f.engine.CancelByID(ctx, res.ID, "0000"); KindOf(err) != KindNotFound || SubjectOf(err) != SubjectUser {
		t.Fatalf("CancelByID() unknown user error = %v, want NotFound(user)", err)
	}
	if got := f.reserved(t, "m001", "s001"); got != 2 {
		t.Fatalf("reserved = %d, want 2", got)
	}
}

func TestCancelByMedication(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour,
		inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10},
		inventory.Record{MedicationID: "m001", StoreID: "s002", OnHand: 10},
	)

	first, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", StoreID: "s001", Quantity: 1, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve(s001) error = %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", StoreID: "s002", Quantity: 3, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve(s002) error = %v", err)
	}

	got, err := f.engine.CancelByMedication(ctx, "m001", "s001", "1234")
	if err != nil {
		t.Fatalf("CancelByMedication(s001) error = %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("cancelled %s, want %s", got.ID, first.ID)
	}

	got, err = f.engine.CancelByMedication(ctx, "m001", "", "1234")
	if err != nil {
		t.Fatalf("CancelByMedication(any store) error = %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("cancelled %s, want %s", got.ID, second.ID)
	}
	if _, err := f.engine.CancelByMedication(ctx, "m002", "", "1234"); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("CancelByMedication(m002) error = %v, want NoReservation", err)
	}
	if _, err := f.engine.CancelByMedication(ctx, " ", "", "1234"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("CancelByMedication(blank) error = %v, want BadRequest", err)
	}
	f.audit(t)
}

func TestCancelByMedicationPicksMostRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour,
		inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10},
		inventory.Record{MedicationID: "m001", StoreID: "s002", OnHand: 10},
	)

	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", StoreID: "s002", Quantity: 1, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("Reserve(s002) error = %v", err)
	}
	f.clock.Advance(time.Second)
	newest, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", StoreID: "s001", Quantity: 1, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve(s001) error = %v", err)
	}

	got, err := f.engine.CancelByMedication(ctx, "m001", "", "1234")
	if err != nil {
		t.Fatalf("CancelByMedication() error = %v", err)
	}
	if got.ID != newest.ID {
		t.Fatalf("cancelled %s, want newest %s", got.ID, newest.ID)
	}
}

func TestExpiryRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Second, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10, Reserved: 1})

	res, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 3, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if got := f.reserved(t, "m001", "s001"); got != 4 {
		t.Fatalf("reserved = %d, want 4", got)
	}

	f.clock.Advance(2 * time.Second)
	if n := f.engine.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if n := f.engine.Sweep(ctx); n != 0 {
		t.Fatalf("second Sweep() = %d, want 0", n)
	}
	if got := f.reserved(t, "m001", "s001"); got != 1 {
		t.Fatalf("reserved = %d, want 1", got)
	}

	history, err := f.engine.History(ctx, "1234")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != res.ID || history[0].Status != StatusExpired {
		t.Fatalf("History() = %+v, want one expired %s", history, res.ID)
	}
	if _, err := f.engine.CancelByID(ctx, res.ID, "1234"); !errors.Is(err, ErrNoReservation) {
		t.Fatalf("CancelByID() on expired error = %v, want NoReservation", err)
	}
	if got := f.reserved(t, "m001", "s001"); got != 1 {
		t.Fatalf("reserved = %d after cancel attempt, want 1", got)
	}
	f.audit(t)
}

func TestLazySweepBeforeReads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Minute, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 5})

	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 5, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	f.clock.Advance(time.Minute)

	list, err := f.engine.FindForUser(ctx, "1234")
	if err != nil {
		t.Fatalf("FindForUser() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("FindForUser() = %d items, want 0 after expiry", len(list))
	}
	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 5, PhoneLast4: "9999"}); err != nil {
		t.Fatalf("Reserve() after expiry error = %v", err)
	}
}

func TestFindForUserEnriches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour,
		inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10},
		inventory.Record{MedicationID: "m005", StoreID: "s001", OnHand: 10},
	)

	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 1, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("Reserve(m001) error = %v", err)
	}
	f.clock.Advance(time.Second)
	rx, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m005", Quantity: 2, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve(m005) error = %v", err)
	}
	if _, err := f.engine.CancelByID(ctx, rx.ID, "1234"); err != nil {
		t.Fatalf("CancelByID() error = %v", err)
	}

	list, err := f.engine.FindForUser(ctx, "1234")
	if err != nil {
		t.Fatalf("FindForUser() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("FindForUser() = %d items, want 1", len(list))
	}
	if list[0].Medication == nil || list[0].Medication.BrandName != "Advil" {
		t.Fatalf("Medication = %+v, want Advil summary", list[0].Medication)
	}

	empty, err := f.engine.FindForUser(ctx, "9999")
	if err != nil {
		t.Fatalf("FindForUser(no holds) error = %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("FindForUser(no holds) = %#v, want empty slice", empty)
	}
	if _, err := f.engine.FindForUser(ctx, "0000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindForUser(unknown) error = %v, want NotFound", err)
	}
}

func TestReserveRollsBackOnInsertFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	ledger := inventory.NewLedger(inventory.WithClock(clock.Now), inventory.WithLogger(zerolog.Nop()))
	if err := ledger.Load([]inventory.Record{
		{MedicationID: "m001", StoreID: "s001", OnHand: 10},
		{MedicationID: "m002", StoreID: "s001", OnHand: 10},
	}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	engine, err := New(testCatalog(t), ledger, NewTable(), Config{DefaultStoreID: "s001", HoldDuration: time.Hour, SweepInterval: time.Minute},
		WithClock(clock.Now), WithIDGenerator(func() string { return "r_fixed" }), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 2, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("first Reserve() error = %v", err)
	}
	_, err = engine.Reserve(ctx, ReserveRequest{MedicationID: "m002", Quantity: 3, PhoneLast4: "1234"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second Reserve() error = %v, want ErrDuplicateID", err)
	}
	rec, _ := ledger.Availability("m002", "s001")
	if rec.Reserved != 0 {
		t.Fatalf("m002 reserved = %d, want rolled back to 0", rec.Reserved)
	}
	if err := engine.Audit(); err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
}

func TestRestockUnderEngineLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 5})

	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 4, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if _, err := f.engine.Restock("m001", "", 3); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("Restock(below reserved) error = %v, want BadRequest", err)
	}
	rec, err := f.engine.Restock("m001", "", 12)
	if err != nil {
		t.Fatalf("Restock() error = %v", err)
	}
	if rec.Available() != 8 {
		t.Fatalf("Available() = %d, want 8", rec.Available())
	}
	if rec, err = f.engine.Restock("m002", "s003", 7); err != nil || rec.OnHand != 7 {
		t.Fatalf("Restock(new record) = %+v, %v", rec, err)
	}
	f.audit(t)
}

func TestAuditDetectsDrift(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Hour, inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10})

	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 2, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := f.ledger.TryReserve("m001", "s001", 1); err != nil {
		t.Fatalf("TryReserve() error = %v", err)
	}
	if err := f.engine.Audit(); !errors.Is(err, inventory.ErrIntegrity) {
		t.Fatalf("Audit() error = %v, want ErrIntegrity", err)
	}
}

func TestEventsPublishedAfterMutations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, time.Minute,
		inventory.Record{MedicationID: "m001", StoreID: "s001", OnHand: 10},
		inventory.Record{MedicationID: "m002", StoreID: "s001", OnHand: 10},
	)
	f.sink.err = errors.New("sink offline")

	a, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m001", Quantity: 1, PhoneLast4: "1234"})
	if err != nil {
		t.Fatalf("Reserve(m001) error = %v", err)
	}
	if _, err := f.engine.Reserve(ctx, ReserveRequest{MedicationID: "m002", Quantity: 1, PhoneLast4: "1234"}); err != nil {
		t.Fatalf("Reserve(m002) error = %v", err)
	}
	if _, err := f.engine.CancelByID(ctx, a.ID, "1234"); err != nil {
		t.Fatalf("CancelByID() error = %v", err)
	}
	f.clock.Advance(time.Hour)
	f.engine.Sweep(ctx)

	want := []events.Type{events.TypeCreated, events.TypeCreated, events.TypeCancelled, events.TypeExpired}
	got := f.sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
