package tool

import (
	"sort"

	"github.com/cloudwego/eino/schema"
)

const (
	ToolGetMedicationByName          = "get_medication_by_name"
	ToolGetMedicationByID            = "get_medication_by_id"
	ToolCheckInventory               = "check_inventory"
	ToolCheckPrescriptionRequirement = "check_prescription_requirement"
	ToolCheckAllergyConcerns         = "check_allergy_concerns_and_ingredients"
	ToolReserveMedication            = "reserve_medication"
	ToolCancelByReservationID        = "cancel_reservation_by_reservation_id"
	ToolCancelByMedicationID         = "cancel_reservation_by_medication_id"
	ToolFindReservationsForUser      = "find_reservations_for_user"
	ToolFindActivePrescriptions      = "find_active_prescriptions_for_user"
	ToolSubmitCustomerFeedback       = "submit_customer_feedback"
	ToolFindReservationHistory       = "find_reservation_history"

	// ToolRestockInventory is only declared when admin tools are enabled.
	ToolRestockInventory = "restock_inventory"
)

func phoneParam() *schema.ParameterInfo {
	return &schema.ParameterInfo{Type: schema.String, Desc: "Last four digits of the customer's phone number.", Required: true}
}

func medicationParam() *schema.ParameterInfo {
	return &schema.ParameterInfo{Type: schema.String, Desc: "Medication id, e.g. m001.", Required: true}
}

func storeParam(desc string) *schema.ParameterInfo {
	return &schema.ParameterInfo{Type: schema.String, Desc: desc}
}

type declaration struct {
	info   *schema.ToolInfo
	params map[string]*schema.ParameterInfo
}

func declare(name, desc string, params map[string]*schema.ParameterInfo) declaration {
	return declaration{
		info: &schema.ToolInfo{
			Name:        name,
			Desc:        desc,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		},
		params: params,
	}
}

// declarations is the fixed command set. Arguments are validated against the
// same parameter maps the dialogue layer is shown.
func declarations(defaultStore string, admin bool) map[string]declaration {
	storeDefault := "Store id. Default: " + defaultStore
	decls := map[string]declaration{
		ToolGetMedicationByName: declare(ToolGetMedicationByName, "Find a medication by brand or generic name.", map[string]*schema.ParameterInfo{
			"name": {Type: schema.String, Desc: "Brand or generic name, e.g. 'Advil' or 'Ibuprofen'.", Required: true},
		}),
		ToolGetMedicationByID: declare(ToolGetMedicationByID, "Fetch the full medication record for an id.", map[string]*schema.ParameterInfo{
			"medication_id": medicationParam(),
		}),
		ToolCheckInventory: declare(ToolCheckInventory, "Check store inventory for a medication.", map[string]*schema.ParameterInfo{
			"medication_id": medicationParam(),
			"store_id":      storeParam(storeDefault),
		}),
		ToolCheckPrescriptionRequirement: declare(ToolCheckPrescriptionRequirement, "Return whether a medication requires a prescription.", map[string]*schema.ParameterInfo{
			"medication_id": medicationParam(),
		}),
		ToolCheckAllergyConcerns: declare(ToolCheckAllergyConcerns, "List active ingredients and optionally flag allergy matches for a given user_id.", map[string]*schema.ParameterInfo{
			"medication_id": medicationParam(),
			"user_id":       {Type: schema.String, Desc: "Customer id, e.g. u001."},
		}),
		ToolReserveMedication: declare(ToolReserveMedication, "Hold stock of a medication for a customer until pickup or expiry.", map[string]*schema.ParameterInfo{
			"medication_id":    medicationParam(),
			"quantity":         {Type: schema.Integer, Desc: "Units to hold, at least 1.", Required: true},
			"user_phone_last4": phoneParam(),
			"store_id":         storeParam(storeDefault),
		}),
		ToolCancelByReservationID: declare(ToolCancelByReservationID, "Cancel one of the customer's active reservations by its id.", map[string]*schema.ParameterInfo{
			"reservation_id":   {Type: schema.String, Desc: "Reservation id, e.g. r_1a2b....", Required: true},
			"user_phone_last4": phoneParam(),
		}),
		ToolCancelByMedicationID: declare(ToolCancelByMedicationID, "Cancel the customer's active reservation for a medication.", map[string]*schema.ParameterInfo{
			"medication_id":    medicationParam(),
			"user_phone_last4": phoneParam(),
			"store_id":         storeParam("Store id. Omit to match any store."),
		}),
		ToolFindReservationsForUser: declare(ToolFindReservationsForUser, "List the customer's active reservations.", map[string]*schema.ParameterInfo{
			"user_phone_last4": phoneParam(),
		}),
		ToolFindActivePrescriptions: declare(ToolFindActivePrescriptions, "List the customer's active prescriptions.", map[string]*schema.ParameterInfo{
			"user_phone_last4": phoneParam(),
		}),
		ToolSubmitCustomerFeedback: declare(ToolSubmitCustomerFeedback, "Record customer feedback.", map[string]*schema.ParameterInfo{
			"user_id": {Type: schema.String, Desc: "Customer id, if known."},
			"rating":  {Type: schema.Integer, Desc: "Rating from 1 to 5.", Required: true},
			"message": {Type: schema.String, Desc: "Free-text feedback.", Required: true},
		}),
		ToolFindReservationHistory: declare(ToolFindReservationHistory, "List all of the customer's reservations, including cancelled, fulfilled and expired ones.", map[string]*schema.ParameterInfo{
			"user_phone_last4": phoneParam(),
		}),
	}
	if admin {
		decls[ToolRestockInventory] = declare(ToolRestockInventory, "Set the on-hand quantity of a medication at a store.", map[string]*schema.ParameterInfo{
			"medication_id":    medicationParam(),
			"quantity_on_hand": {Type: schema.Integer, Desc: "New on-hand quantity, not below the reserved quantity.", Required: true},
			"store_id":         storeParam(storeDefault),
		})
	}
	return decls
}

func sortedInfos(decls map[string]declaration) []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(decls))
	for _, d := range decls {
		out = append(out, d.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
