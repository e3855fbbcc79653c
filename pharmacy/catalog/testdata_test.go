package catalog

import (
	"time"
)

var testNow = time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC)

func testDataset() Dataset {
	expired := testNow.Add(-time.Hour)
	return Dataset{
		Medications: []Medication{
			{ID: "m001", BrandName: "Advil", GenericName: "Ibuprofen", ActiveIngredients: []string{"Ibuprofen"}},
			{ID: "m002", BrandName: "Tylenol", GenericName: "Acetaminophen", ActiveIngredients: []string{"Acetaminophen"}},
			{ID: "m005", BrandName: "SomeRxMed", GenericName: "RxGeneric", ActiveIngredients: []string{"RxIngredient"}, RequiresPrescription: true},
		},
		Users: []User{
			{ID: "u001", PhoneLast4: "1234", Allergies: []string{"Penicillin", "ibuprofen"}, Prescriptions: []string{"rx1003", "rx1004"}},
			{ID: "u002", PhoneLast4: "9999"},
			{ID: "u010", PhoneLast4: "5555"},
			{ID: "u009", PhoneLast4: "5555"},
		},
		Prescriptions: []Prescription{
			{ID: "rx1003", UserID: "u001", MedicationID: "m005", Status: PrescriptionActive},
			{ID: "rx1004", UserID: "u001", MedicationID: "m002", Status: PrescriptionActive, ExpiresAt: &expired},
			{ID: "rx2001", UserID: "u002", MedicationID: "m005", Status: PrescriptionInactive},
		},
	}
}
