package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
)

const (
	medicationsFile = "medications.json"
	usersFile       = "users.json"
	inventoryFile   = "inventory.json"
)

type fileMedication struct {
	ID                   string         `json:"medication_id"`
	BrandName            string         `json:"name_brand"`
	GenericName          string         `json:"name_generic"`
	ActiveIngredients    ingredientList `json:"active_ingredients"`
	RequiresPrescription bool           `json:"requires_prescription"`
	Usage                string         `json:"usage_instructions"`
}

// ingredientList accepts both ["Ibuprofen"] and
// [{"name":"Ibuprofen","amount":200,"unit":"mg"}].
type ingredientList []string

func (l *ingredientList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var name string
			if err := json.Unmarshal(item, &name); err != nil {
				return err
			}
			out = append(out, name)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("decode ingredient: %w", err)
		}
		out = append(out, obj.Name)
	}
	*l = out
	return nil
}

type filePrescription struct {
	ID           string     `json:"rx_id"`
	MedicationID string     `json:"medication_id"`
	Status       string     `json:"status"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type fileUser struct {
	ID                  string             `json:"user_id"`
	PhoneLast4          string             `json:"phone_last4"`
	Allergies           []string           `json:"allergies"`
	ActivePrescriptions []filePrescription `json:"active_prescriptions"`
}

type fileInventory struct {
	StoreID      string    `json:"store_id"`
	MedicationID string    `json:"medication_id"`
	OnHand       int       `json:"quantity_on_hand"`
	Reserved     int       `json:"reserved"`
	UpdatedAt    time.Time `json:"last_updated_iso"`
}

// LoadDir reads medications.json, users.json and inventory.json from dir.
// inventory.json is optional.
func LoadDir(dir string) (Dataset, []inventory.Record, error) {
	var meds []fileMedication
	if err := readJSON(filepath.Join(dir, medicationsFile), &meds); err != nil {
		return Dataset{}, nil, err
	}
	var users []fileUser
	if err := readJSON(filepath.Join(dir, usersFile), &users); err != nil {
		return Dataset{}, nil, err
	}
	var inv []fileInventory
	if err := readJSON(filepath.Join(dir, inventoryFile), &inv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Dataset{}, nil, err
	}

	ds := Dataset{
		Medications: make([]Medication, 0, len(meds)),
		Users:       make([]User, 0, len(users)),
	}
	for _, m := range meds {
		ds.Medications = append(ds.Medications, Medication{
			ID:                   m.ID,
			BrandName:            m.BrandName,
			GenericName:          m.GenericName,
			ActiveIngredients:    []string(m.ActiveIngredients),
			RequiresPrescription: m.RequiresPrescription,
			Usage:                m.Usage,
		})
	}
	for _, u := range users {
		user := User{
			ID:         u.ID,
			PhoneLast4: u.PhoneLast4,
			Allergies:  u.Allergies,
		}
		for _, rx := range u.ActivePrescriptions {
			status := PrescriptionStatus(strings.ToLower(strings.TrimSpace(rx.Status)))
			if status == "" {
				status = PrescriptionActive
			}
			ds.Prescriptions = append(ds.Prescriptions, Prescription{
				ID:           rx.ID,
				UserID:       u.ID,
				MedicationID: rx.MedicationID,
				Status:       status,
				ExpiresAt:    rx.ExpiresAt,
			})
			user.Prescriptions = append(user.Prescriptions, rx.ID)
		}
		ds.Users = append(ds.Users, user)
	}

	records := make([]inventory.Record, 0, len(inv))
	for _, r := range inv {
		records = append(records, inventory.Record{
			MedicationID: r.MedicationID,
			StoreID:      r.StoreID,
			OnHand:       r.OnHand,
			Reserved:     r.Reserved,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return ds, records, nil
}

func readJSON(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
