// Package reservation implements time-bounded medication holds on top of the
// inventory ledger.
package reservation

import (
	"time"

	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusFulfilled Status = "fulfilled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired || s == StatusFulfilled
}

type Reservation struct {
	ID           string     `json:"reservation_id"`
	UserID       string     `json:"user_id"`
	MedicationID string     `json:"medication_id"`
	StoreID      string     `json:"store_id"`
	Quantity     int        `json:"quantity"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

func (r Reservation) IsActive() bool {
	return r.Status == StatusActive
}

func (r Reservation) InventoryKey() inventory.Key {
	return inventory.Key{MedicationID: r.MedicationID, StoreID: r.StoreID}
}

// MedicationSummary is the display snapshot attached to listed reservations.
// It is resolved at read time and never stored.
type MedicationSummary struct {
	BrandName            string `json:"name_brand"`
	GenericName          string `json:"name_generic"`
	RequiresPrescription bool   `json:"requires_prescription"`
}

type Enriched struct {
	Reservation
	Medication *MedicationSummary `json:"medication"`
}
