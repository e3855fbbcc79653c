package reservation

import (
	"errors"
	"testing"
	"time"

	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
)

func TestTableInsertAndTransition(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)
	tbl := NewTable()
	r := Reservation{ID: "r_1", UserID: "u001", MedicationID: "m001", StoreID: "s001", Quantity: 2, Status: StatusActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	if err := tbl.Insert(r); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := tbl.Insert(r); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Insert() duplicate error = %v, want ErrDuplicateID", err)
	}
	if err := tbl.Insert(Reservation{ID: "r_2", Quantity: 0}); err == nil {
		t.Fatal("expected error for zero quantity")
	}

	closed, err := tbl.Transition("r_1", StatusCancelled, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if closed.Status != StatusCancelled || closed.ClosedAt == nil {
		t.Fatalf("Transition() = %+v", closed)
	}
	if _, err := tbl.Transition("r_1", StatusExpired, now); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Transition() from terminal error = %v, want ErrNotActive", err)
	}
	if _, err := tbl.Transition("r_1", StatusActive, now); err == nil {
		t.Fatal("expected error for non-terminal target")
	}
	if _, err := tbl.Transition("r_404", StatusCancelled, now); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("Transition() unknown error = %v, want ErrUnknownID", err)
	}
}

func TestTableQueries(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)
	tbl := NewTable()
	rows := []Reservation{
		{ID: "r_b", UserID: "u001", MedicationID: "m001", StoreID: "s001", Quantity: 1, Status: StatusActive, CreatedAt: now.Add(time.Minute), ExpiresAt: now.Add(2 * time.Hour)},
		{ID: "r_a", UserID: "u001", MedicationID: "m002", StoreID: "s001", Quantity: 4, Status: StatusActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "r_c", UserID: "u002", MedicationID: "m001", StoreID: "s001", Quantity: 2, Status: StatusActive, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "r_d", UserID: "u001", MedicationID: "m001", StoreID: "s002", Quantity: 3, Status: StatusActive, CreatedAt: now.Add(2 * time.Minute), ExpiresAt: now.Add(3 * time.Hour)},
	}
	for _, r := range rows {
		if err := tbl.Insert(r); err != nil {
			t.Fatalf("Insert(%s) error = %v", r.ID, err)
		}
	}
	if _, err := tbl.Transition("r_d", StatusCancelled, now); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	active := tbl.ForUser("u001", true)
	if len(active) != 2 || active[0].ID != "r_a" || active[1].ID != "r_b" {
		t.Fatalf("ForUser(active) = %+v, want r_a then r_b", active)
	}
	if all := tbl.ForUser("u001", false); len(all) != 3 {
		t.Fatalf("ForUser(all) = %d, want 3", len(all))
	}
	if got := tbl.FindActive("u001", "m001", ""); len(got) != 1 || got[0].ID != "r_b" {
		t.Fatalf("FindActive(any store) = %+v, want r_b", got)
	}
	if got := tbl.FindActive("u001", "m001", "s002"); len(got) != 0 {
		t.Fatalf("FindActive(s002) = %+v, want none", got)
	}

	due := tbl.DueAt(now.Add(time.Hour))
	if len(due) != 2 {
		t.Fatalf("DueAt() = %d, want 2", len(due))
	}

	sums := tbl.ActiveQuantities()
	if sums[inventory.Key{MedicationID: "m001", StoreID: "s001"}] != 3 {
		t.Fatalf("ActiveQuantities(m001/s001) = %d, want 3", sums[inventory.Key{MedicationID: "m001", StoreID: "s001"}])
	}
	if _, ok := sums[inventory.Key{MedicationID: "m001", StoreID: "s002"}]; ok {
		t.Fatal("cancelled reservation counted as active")
	}
}
