// Package catalog is the read-only reference data for medications, users and
// prescriptions.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("catalog record not found")
	ErrInvalidQuery = errors.New("catalog query is empty")
)

type Medication struct {
	ID                   string   `json:"medication_id"`
	BrandName            string   `json:"name_brand"`
	GenericName          string   `json:"name_generic"`
	ActiveIngredients    []string `json:"active_ingredients"`
	RequiresPrescription bool     `json:"requires_prescription"`
	Usage                string   `json:"usage_instructions,omitempty"`
}

type PrescriptionStatus string

const (
	PrescriptionActive   PrescriptionStatus = "active"
	PrescriptionInactive PrescriptionStatus = "inactive"
)

type Prescription struct {
	ID           string             `json:"rx_id"`
	UserID       string             `json:"user_id"`
	MedicationID string             `json:"medication_id"`
	Status       PrescriptionStatus `json:"status"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the prescription is active and not expired at now.
func (p Prescription) ActiveAt(now time.Time) bool {
	if p.Status != PrescriptionActive {
		return false
	}
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}

type User struct {
	ID            string   `json:"user_id"`
	PhoneLast4    string   `json:"phone_last4"`
	Allergies     []string `json:"allergies,omitempty"`
	Prescriptions []string `json:"prescriptions,omitempty"`
}

// NameLookup is the result of a by-name medication search. Exact is set only
// when the query equals a brand or generic name; Matches lists every
// medication whose names contain the query.
type NameLookup struct {
	Exact   *Medication  `json:"medication"`
	Matches []Medication `json:"matches"`
}

func (l NameLookup) Found() bool {
	return l.Exact != nil
}

// Store is the lookup contract the reservation engine consumes. All methods
// are side-effect free.
type Store interface {
	MedicationByID(ctx context.Context, id string) (Medication, error)
	MedicationsByName(ctx context.Context, name string) (NameLookup, error)
	UserByID(ctx context.Context, id string) (User, error)
	UserByPhoneSuffix(ctx context.Context, suffix string) (User, error)
	ActivePrescriptions(ctx context.Context, userID string, now time.Time) ([]Prescription, error)
}

// HasActivePrescription reports whether any prescription in rxs covers medicationID.
func HasActivePrescription(rxs []Prescription, medicationID string, now time.Time) bool {
	for _, rx := range rxs {
		if rx.MedicationID == medicationID && rx.ActiveAt(now) {
			return true
		}
	}
	return false
}

// AllergyMatches returns the user allergies that name one of the medication's
// active ingredients, compared case-insensitively.
func AllergyMatches(user User, med Medication) []string {
	ingredients := make(map[string]struct{}, len(med.ActiveIngredients))
	for _, ing := range med.ActiveIngredients {
		ingredients[normalize(ing)] = struct{}{}
	}
	matches := make([]string, 0)
	for _, allergy := range user.Allergies {
		if _, ok := ingredients[normalize(allergy)]; ok {
			matches = append(matches, allergy)
		}
	}
	return matches
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
