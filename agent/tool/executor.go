package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/pharmacy-assistant/agent/contract"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/catalog"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/events"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/feedback"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
	"github.com/tanpawarit/pharmacy-assistant/pharmacy/reservation"
	logx "github.com/tanpawarit/pharmacy-assistant/pkg/logger"
)

const (
	allergyDisclaimer = "This is not medical advice. For safety and personalized guidance, consult a pharmacist or healthcare professional."

	recentActivityLimit = 10
)

var (
	errNoPrescriptions = errors.New("no active prescriptions")
	errNoReservations  = errors.New("no active reservations")
)

type Executor func(ctx context.Context, tool string, args map[string]any) (contractx.ToolResult, error)

type handler func(ctx context.Context, args map[string]any) (any, error)

type Option func(*Facade)

func WithClock(now func() time.Time) Option {
	return func(f *Facade) {
		if now != nil {
			f.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(f *Facade) {
		f.log = logger
	}
}

// ActivityReader returns a user's most recent reservation events, newest
// first. events.RedisHistory implements it.
type ActivityReader interface {
	Recent(ctx context.Context, userID string, n int) ([]events.Event, error)
}

// WithActivity attaches recent events to find_reservation_history results.
func WithActivity(reader ActivityReader) Option {
	return func(f *Facade) {
		f.activity = reader
	}
}

// WithAdminTools declares restock_inventory alongside the customer tools.
func WithAdminTools(enabled bool) Option {
	return func(f *Facade) {
		f.admin = enabled
	}
}

// Facade exposes the reservation engine and catalog lookups as a fixed set
// of named tools with declared parameters.
type Facade struct {
	engine   *reservation.Engine
	catalog  catalog.Store
	feedback *feedback.Log
	activity ActivityReader
	admin    bool
	decls    map[string]declaration
	handlers map[string]handler
	now      func() time.Time
	log      zerolog.Logger
}

var _ contractx.ToolGateway = (*Facade)(nil)

func NewFacade(engine *reservation.Engine, store catalog.Store, fb *feedback.Log, opts ...Option) (*Facade, error) {
	if engine == nil {
		return nil, errors.New("reservation engine is required")
	}
	if store == nil {
		return nil, errors.New("catalog store is required")
	}
	if fb == nil {
		fb = feedback.NewLog()
	}

	f := &Facade{
		engine:   engine,
		catalog:  store,
		feedback: fb,
		now:      time.Now,
		log:      logx.Component("tool"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.decls = declarations(engine.DefaultStoreID(), f.admin)
	f.handlers = map[string]handler{
		ToolGetMedicationByName:          f.getMedicationByName,
		ToolGetMedicationByID:            f.getMedicationByID,
		ToolCheckInventory:               f.checkInventory,
		ToolCheckPrescriptionRequirement: f.checkPrescriptionRequirement,
		ToolCheckAllergyConcerns:         f.checkAllergyConcerns,
		ToolReserveMedication:            f.reserveMedication,
		ToolCancelByReservationID:        f.cancelByReservationID,
		ToolCancelByMedicationID:         f.cancelByMedicationID,
		ToolFindReservationsForUser:      f.findReservationsForUser,
		ToolFindActivePrescriptions:      f.findActivePrescriptions,
		ToolSubmitCustomerFeedback:       f.submitFeedback,
		ToolFindReservationHistory:       f.findReservationHistory,
		ToolRestockInventory:             f.restockInventory,
	}
	return f, nil
}

// Build returns the tool declarations for the dialogue layer together with
// the executor that serves them.
func (f *Facade) Build() ([]*schema.ToolInfo, Executor) {
	return f.Infos(), f.Call
}

func (f *Facade) Infos() []*schema.ToolInfo {
	return sortedInfos(f.decls)
}

// Execute runs each request in order. A failing call is reported in its
// result and does not stop the batch; only context cancellation does.
func (f *Facade) Execute(ctx context.Context, reqs []contractx.ToolRequest) ([]contractx.ToolResult, error) {
	out := make([]contractx.ToolResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := f.Call(ctx, req.Tool, req.Args)
		out = append(out, res)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Call validates args against the tool's declaration and dispatches it.
// Domain failures come back as a ToolResult with ErrorCode set and a nil
// error.
func (f *Facade) Call(ctx context.Context, tool string, args map[string]any) (contractx.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return failure(tool, contractx.CodeToolError, err), err
	}

	decl, ok := f.decls[tool]
	if !ok {
		return failure(tool, contractx.CodeUnknownTool, fmt.Errorf("%w: %s", contractx.ErrUnknownTool, tool)), nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(decl.params, args); err != nil {
		f.log.Debug().Str("tool", tool).Err(err).Msg("rejected tool arguments")
		return failure(tool, contractx.CodeBadArgs, err), nil
	}

	result, err := f.handlers[tool](ctx, args)
	if err != nil {
		code := errorCode(err)
		evt := f.log.Debug()
		if code == contractx.CodeToolError {
			evt = f.log.Error()
		}
		evt.Str("tool", tool).Str("error_code", code).Err(err).Msg("tool call failed")
		return failure(tool, code, err), nil
	}

	f.log.Debug().Str("tool", tool).Msg("tool call succeeded")
	return contractx.ToolResult{Tool: tool, Result: result}, nil
}

func failure(tool, code string, err error) contractx.ToolResult {
	return contractx.ToolResult{Tool: tool, ErrorCode: code, Error: err.Error()}
}

func errorCode(err error) string {
	if kind := reservation.KindOf(err); kind != "" {
		return string(kind)
	}
	switch {
	case errors.Is(err, contractx.ErrBadArgs):
		return contractx.CodeBadArgs
	case errors.Is(err, catalog.ErrNotFound):
		return contractx.CodeNotFound
	case errors.Is(err, catalog.ErrInvalidQuery):
		return contractx.CodeBadRequest
	case errors.Is(err, feedback.ErrInvalidRating):
		return contractx.CodeInvalidRating
	case errors.Is(err, errNoPrescriptions):
		return contractx.CodeNoPrescriptions
	case errors.Is(err, errNoReservations):
		return contractx.CodeNoReservations
	default:
		return contractx.CodeToolError
	}
}

type MedicationMatch struct {
	ID          string `json:"medication_id"`
	BrandName   string `json:"name_brand"`
	GenericName string `json:"name_generic"`
}

type MedicationLookupOutput struct {
	Found      bool                `json:"found"`
	Medication *catalog.Medication `json:"medication"`
	Matches    []MedicationMatch   `json:"matches,omitempty"`
}

type InventoryOutput struct {
	MedicationID      string    `json:"medication_id"`
	StoreID           string    `json:"store_id"`
	Available         bool      `json:"available"`
	QuantityAvailable int       `json:"quantity_available"`
	QuantityOnHand    int       `json:"quantity_on_hand"`
	Reserved          int       `json:"reserved"`
	LastUpdated       time.Time `json:"last_updated_iso"`
}

type PrescriptionRequirementOutput struct {
	MedicationID         string `json:"medication_id"`
	RequiresPrescription bool   `json:"requires_prescription"`
	Note                 string `json:"note"`
}

type AllergyOutput struct {
	MedicationID      string   `json:"medication_id"`
	ActiveIngredients []string `json:"active_ingredients"`
	AllergyFlag       *bool    `json:"allergy_flag"`
	AllergyMatches    []string `json:"allergy_matches"`
	Disclaimer        string   `json:"disclaimer"`
}

type ReservationOutput struct {
	Success     bool                    `json:"success"`
	Reservation reservation.Reservation `json:"reservation"`
}

type ReservationListOutput struct {
	Success      bool                   `json:"success"`
	Count        int                    `json:"count"`
	Reservations []reservation.Enriched `json:"reservations"`
}

type ReservationHistoryOutput struct {
	Success        bool                      `json:"success"`
	Count          int                       `json:"count"`
	Reservations   []reservation.Reservation `json:"reservations"`
	RecentActivity []events.Event            `json:"recent_activity,omitempty"`
}

type PrescriptionView struct {
	catalog.Prescription
	Medication *reservation.MedicationSummary `json:"medication"`
}

type PrescriptionListOutput struct {
	Success             bool               `json:"success"`
	Count               int                `json:"count"`
	ActivePrescriptions []PrescriptionView `json:"active_prescriptions"`
}

type FeedbackOutput struct {
	Success    bool      `json:"success"`
	FeedbackID string    `json:"feedback_id"`
	CreatedAt  time.Time `json:"created_at_iso"`
}

func (f *Facade) getMedicationByName(ctx context.Context, args map[string]any) (any, error) {
	lookup, err := f.catalog.MedicationsByName(ctx, stringArg(args, "name"))
	if err != nil {
		return nil, err
	}
	out := MedicationLookupOutput{Found: lookup.Found(), Medication: lookup.Exact}
	for _, m := range lookup.Matches {
		out.Matches = append(out.Matches, MedicationMatch{ID: m.ID, BrandName: m.BrandName, GenericName: m.GenericName})
	}
	return out, nil
}

func (f *Facade) getMedicationByID(ctx context.Context, args map[string]any) (any, error) {
	med, err := f.catalog.MedicationByID(ctx, strings.TrimSpace(stringArg(args, "medication_id")))
	if err != nil {
		return nil, err
	}
	return MedicationLookupOutput{Found: true, Medication: &med}, nil
}

func (f *Facade) checkInventory(ctx context.Context, args map[string]any) (any, error) {
	rec, err := f.engine.Availability(ctx, stringArg(args, "medication_id"), stringArg(args, "store_id"))
	if err != nil {
		return nil, err
	}
	return inventoryOutput(rec), nil
}

func inventoryOutput(rec inventory.Record) InventoryOutput {
	return InventoryOutput{
		MedicationID:      rec.MedicationID,
		StoreID:           rec.StoreID,
		Available:         rec.Available() > 0,
		QuantityAvailable: rec.Available(),
		QuantityOnHand:    rec.OnHand,
		Reserved:          rec.Reserved,
		LastUpdated:       rec.UpdatedAt,
	}
}

func (f *Facade) checkPrescriptionRequirement(ctx context.Context, args map[string]any) (any, error) {
	med, err := f.catalog.MedicationByID(ctx, strings.TrimSpace(stringArg(args, "medication_id")))
	if err != nil {
		return nil, err
	}
	note := "OTC (no prescription required)"
	if med.RequiresPrescription {
		note = "Prescription-only"
	}
	return PrescriptionRequirementOutput{
		MedicationID:         med.ID,
		RequiresPrescription: med.RequiresPrescription,
		Note:                 note,
	}, nil
}

func (f *Facade) checkAllergyConcerns(ctx context.Context, args map[string]any) (any, error) {
	med, err := f.catalog.MedicationByID(ctx, strings.TrimSpace(stringArg(args, "medication_id")))
	if err != nil {
		return nil, err
	}
	out := AllergyOutput{
		MedicationID:      med.ID,
		ActiveIngredients: med.ActiveIngredients,
		AllergyMatches:    []string{},
		Disclaimer:        allergyDisclaimer,
	}
	if userID := strings.TrimSpace(stringArg(args, "user_id")); userID != "" {
		user, err := f.catalog.UserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		out.AllergyMatches = catalog.AllergyMatches(user, med)
		flag := len(out.AllergyMatches) > 0
		out.AllergyFlag = &flag
	}
	return out, nil
}

func (f *Facade) reserveMedication(ctx context.Context, args map[string]any) (any, error) {
	res, err := f.engine.Reserve(ctx, reservation.ReserveRequest{
		MedicationID: stringArg(args, "medication_id"),
		StoreID:      stringArg(args, "store_id"),
		Quantity:     intArg(args, "quantity"),
		PhoneLast4:   stringArg(args, "user_phone_last4"),
	})
	if err != nil {
		return nil, err
	}
	return ReservationOutput{Success: true, Reservation: res}, nil
}

func (f *Facade) cancelByReservationID(ctx context.Context, args map[string]any) (any, error) {
	res, err := f.engine.CancelByID(ctx, stringArg(args, "reservation_id"), stringArg(args, "user_phone_last4"))
	if err != nil {
		return nil, err
	}
	return ReservationOutput{Success: true, Reservation: res}, nil
}

func (f *Facade) cancelByMedicationID(ctx context.Context, args map[string]any) (any, error) {
	res, err := f.engine.CancelByMedication(ctx,
		stringArg(args, "medication_id"),
		stringArg(args, "store_id"),
		stringArg(args, "user_phone_last4"),
	)
	if err != nil {
		return nil, err
	}
	return ReservationOutput{Success: true, Reservation: res}, nil
}

func (f *Facade) findReservationsForUser(ctx context.Context, args map[string]any) (any, error) {
	list, err := f.engine.FindForUser(ctx, stringArg(args, "user_phone_last4"))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w for this user", errNoReservations)
	}
	return ReservationListOutput{Success: true, Count: len(list), Reservations: list}, nil
}

func (f *Facade) findReservationHistory(ctx context.Context, args map[string]any) (any, error) {
	list, err := f.engine.History(ctx, stringArg(args, "user_phone_last4"))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w for this user", errNoReservations)
	}

	out := ReservationHistoryOutput{Success: true, Count: len(list), Reservations: list}
	if f.activity != nil {
		recent, err := f.activity.Recent(ctx, list[0].UserID, recentActivityLimit)
		if err != nil {
			f.log.Warn().Err(err).Str("user_id", list[0].UserID).Msg("read recent reservation activity")
		} else {
			out.RecentActivity = recent
		}
	}
	return out, nil
}

func (f *Facade) restockInventory(ctx context.Context, args map[string]any) (any, error) {
	med, err := f.catalog.MedicationByID(ctx, strings.TrimSpace(stringArg(args, "medication_id")))
	if err != nil {
		return nil, err
	}
	rec, err := f.engine.Restock(med.ID, stringArg(args, "store_id"), intArg(args, "quantity_on_hand"))
	if err != nil {
		return nil, err
	}
	f.log.Info().Str("medication_id", rec.MedicationID).Str("store_id", rec.StoreID).
		Int("quantity_on_hand", rec.OnHand).Msg("inventory restocked")
	return inventoryOutput(rec), nil
}

func (f *Facade) findActivePrescriptions(ctx context.Context, args map[string]any) (any, error) {
	user, err := f.catalog.UserByPhoneSuffix(ctx, stringArg(args, "user_phone_last4"))
	if err != nil {
		return nil, err
	}
	rxs, err := f.catalog.ActivePrescriptions(ctx, user.ID, f.now().UTC())
	if err != nil {
		return nil, err
	}
	if len(rxs) == 0 {
		return nil, fmt.Errorf("%w for this user", errNoPrescriptions)
	}

	views := make([]PrescriptionView, 0, len(rxs))
	for _, rx := range rxs {
		view := PrescriptionView{Prescription: rx}
		med, err := f.catalog.MedicationByID(ctx, rx.MedicationID)
		switch {
		case err == nil:
			view.Medication = &reservation.MedicationSummary{
				BrandName:            med.BrandName,
				GenericName:          med.GenericName,
				RequiresPrescription: med.RequiresPrescription,
			}
		case !errors.Is(err, catalog.ErrNotFound):
			return nil, err
		}
		views = append(views, view)
	}
	return PrescriptionListOutput{Success: true, Count: len(views), ActivePrescriptions: views}, nil
}

func (f *Facade) submitFeedback(_ context.Context, args map[string]any) (any, error) {
	entry, err := f.feedback.Submit(stringArg(args, "user_id"), intArg(args, "rating"), stringArg(args, "message"))
	if err != nil {
		return nil, err
	}
	return FeedbackOutput{Success: true, FeedbackID: entry.ID, CreatedAt: entry.CreatedAt}, nil
}
