package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/tanpawarit/pharmacy-assistant/pharmacy/inventory"
	logx "github.com/tanpawarit/pharmacy-assistant/pkg/logger"
)

type PostgresConfig struct {
	DSN     string        `envconfig:"DSN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"5s"`
}

func (c PostgresConfig) Validate() error {
	if strings.TrimSpace(c.DSN) != "" && !strings.HasPrefix(c.DSN, "postgres") {
		return fmt.Errorf("postgres dsn must use the postgres:// scheme")
	}
	return nil
}

type medicationRow struct {
	bun.BaseModel `bun:"table:medications,alias:m"`

	ID                   string   `bun:"medication_id,pk"`
	BrandName            string   `bun:"name_brand"`
	GenericName          string   `bun:"name_generic"`
	ActiveIngredients    []string `bun:"active_ingredients,array"`
	RequiresPrescription bool     `bun:"requires_prescription"`
	Usage                string   `bun:"usage_instructions,nullzero"`
}

func (r medicationRow) toMedication() Medication {
	return Medication{
		ID:                   r.ID,
		BrandName:            r.BrandName,
		GenericName:          r.GenericName,
		ActiveIngredients:    r.ActiveIngredients,
		RequiresPrescription: r.RequiresPrescription,
		Usage:                r.Usage,
	}
}

type userRow struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID         string   `bun:"user_id,pk"`
	PhoneLast4 string   `bun:"phone_last4"`
	Allergies  []string `bun:"allergies,array"`
}

type prescriptionRow struct {
	bun.BaseModel `bun:"table:prescriptions,alias:rx"`

	ID           string     `bun:"rx_id,pk"`
	UserID       string     `bun:"user_id"`
	MedicationID string     `bun:"medication_id"`
	Status       string     `bun:"status"`
	ExpiresAt    *time.Time `bun:"expires_at"`
}

func (r prescriptionRow) toPrescription() Prescription {
	return Prescription{
		ID:           r.ID,
		UserID:       r.UserID,
		MedicationID: r.MedicationID,
		Status:       PrescriptionStatus(r.Status),
		ExpiresAt:    r.ExpiresAt,
	}
}

type inventoryRow struct {
	bun.BaseModel `bun:"table:inventory,alias:inv"`

	StoreID      string    `bun:"store_id,pk"`
	MedicationID string    `bun:"medication_id,pk"`
	OnHand       int       `bun:"quantity_on_hand"`
	Reserved     int       `bun:"reserved"`
	UpdatedAt    time.Time `bun:"last_updated"`
}

// PostgresStore serves the catalog from Postgres through bun.
type PostgresStore struct {
	db  *bun.DB
	log zerolog.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(timeout),
	))
	return NewPostgresStoreFromDB(bun.NewDB(sqldb, pgdialect.New())), nil
}

func NewPostgresStoreFromDB(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db, log: logx.Component("catalog.postgres")}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) MedicationByID(ctx context.Context, id string) (Medication, error) {
	var row medicationRow
	if err := s.medicationByIDQuery(&row, id).Scan(ctx); err != nil {
		return Medication{}, notFound(err, "medication %q", id)
	}
	return row.toMedication(), nil
}

func (s *PostgresStore) MedicationsByName(ctx context.Context, name string) (NameLookup, error) {
	q := normalize(name)
	if q == "" {
		return NameLookup{}, ErrInvalidQuery
	}

	var rows []medicationRow
	if err := s.medicationsByNameQuery(&rows, q).Scan(ctx); err != nil {
		return NameLookup{}, fmt.Errorf("select medications by name: %w", err)
	}

	out := NameLookup{Matches: make([]Medication, 0, len(rows))}
	for _, row := range rows {
		med := row.toMedication()
		if normalize(med.BrandName) == q || normalize(med.GenericName) == q {
			exact := med
			out.Exact = &exact
		}
		out.Matches = append(out.Matches, med)
	}
	return out, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (User, error) {
	var row userRow
	err := s.db.NewSelect().Model(&row).Where("u.user_id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return User{}, notFound(err, "user %q", id)
	}
	return s.withPrescriptionRefs(ctx, row)
}

func (s *PostgresStore) UserByPhoneSuffix(ctx context.Context, suffix string) (User, error) {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return User{}, fmt.Errorf("%w: no user for phone suffix", ErrNotFound)
	}

	var rows []userRow
	if err := s.userByPhoneQuery(&rows, suffix).Scan(ctx); err != nil {
		return User{}, fmt.Errorf("select user by phone: %w", err)
	}
	if len(rows) == 0 {
		return User{}, fmt.Errorf("%w: no user for phone suffix", ErrNotFound)
	}
	if len(rows) > 1 {
		s.log.Warn().
			Str("chosen_user_id", rows[0].ID).
			Str("other_user_id", rows[1].ID).
			Msg("phone suffix shared by several users")
	}
	return s.withPrescriptionRefs(ctx, rows[0])
}

func (s *PostgresStore) ActivePrescriptions(ctx context.Context, userID string, now time.Time) ([]Prescription, error) {
	var rows []prescriptionRow
	if err := s.activePrescriptionsQuery(&rows, userID, now).Scan(ctx); err != nil {
		return nil, fmt.Errorf("select active prescriptions: %w", err)
	}
	out := make([]Prescription, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPrescription())
	}
	return out, nil
}

// LoadInventory reads every inventory row for the administrative ledger load.
func (s *PostgresStore) LoadInventory(ctx context.Context) ([]inventory.Record, error) {
	var rows []inventoryRow
	if err := s.db.NewSelect().Model(&rows).Order("inv.store_id ASC", "inv.medication_id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("select inventory: %w", err)
	}
	out := make([]inventory.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, inventory.Record{
			MedicationID: row.MedicationID,
			StoreID:      row.StoreID,
			OnHand:       row.OnHand,
			Reserved:     row.Reserved,
			UpdatedAt:    row.UpdatedAt,
		})
	}
	return out, nil
}

func (s *PostgresStore) medicationByIDQuery(dst *medicationRow, id string) *bun.SelectQuery {
	return s.db.NewSelect().Model(dst).Where("m.medication_id = ?", id).Limit(1)
}

func (s *PostgresStore) medicationsByNameQuery(dst *[]medicationRow, q string) *bun.SelectQuery {
	pattern := containsPattern(q)
	return s.db.NewSelect().
		Model(dst).
		Where(`(LOWER(m.name_brand) LIKE ? ESCAPE '\' OR LOWER(m.name_generic) LIKE ? ESCAPE '\')`, pattern, pattern).
		Order("m.medication_id ASC")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern that matches q as a literal substring,
// the same way the in-memory store does.
func containsPattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}

func (s *PostgresStore) userByPhoneQuery(dst *[]userRow, suffix string) *bun.SelectQuery {
	return s.db.NewSelect().
		Model(dst).
		Where("u.phone_last4 = ?", suffix).
		Order("u.user_id ASC").
		Limit(2)
}

func (s *PostgresStore) activePrescriptionsQuery(dst *[]prescriptionRow, userID string, now time.Time) *bun.SelectQuery {
	return s.db.NewSelect().
		Model(dst).
		Where("rx.user_id = ?", userID).
		Where("rx.status = ?", string(PrescriptionActive)).
		Where("(rx.expires_at IS NULL OR rx.expires_at > ?)", now.UTC()).
		Order("rx.rx_id ASC")
}

func (s *PostgresStore) withPrescriptionRefs(ctx context.Context, row userRow) (User, error) {
	var ids []string
	err := s.db.NewSelect().
		Model((*prescriptionRow)(nil)).
		Column("rx.rx_id").
		Where("rx.user_id = ?", row.ID).
		Order("rx.rx_id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return User{}, fmt.Errorf("select prescription refs: %w", err)
	}
	return User{
		ID:            row.ID,
		PhoneLast4:    row.PhoneLast4,
		Allergies:     row.Allergies,
		Prescriptions: ids,
	}, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return fmt.Errorf("select "+format+": %w", append(args, err)...)
}
