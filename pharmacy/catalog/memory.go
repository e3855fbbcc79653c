package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	logx "github.com/tanpawarit/pharmacy-assistant/pkg/logger"
)

// Dataset is the full catalog content handed over by the administrative loader.
type Dataset struct {
	Medications   []Medication
	Users         []User
	Prescriptions []Prescription
}

// Memory is an immutable in-memory Store. It is safe for concurrent use
// because nothing mutates it after construction.
type Memory struct {
	medications   map[string]Medication
	medOrder      []string
	users         map[string]User
	byPhone       map[string][]string
	prescriptions map[string][]Prescription
	log           zerolog.Logger
}

var _ Store = (*Memory)(nil)

type MemoryOption func(*Memory)

func WithLogger(logger zerolog.Logger) MemoryOption {
	return func(m *Memory) {
		m.log = logger
	}
}

func NewMemory(ds Dataset, opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		medications:   make(map[string]Medication, len(ds.Medications)),
		users:         make(map[string]User, len(ds.Users)),
		byPhone:       make(map[string][]string, len(ds.Users)),
		prescriptions: make(map[string][]Prescription),
		log:           logx.Component("catalog"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	for _, med := range ds.Medications {
		id := strings.TrimSpace(med.ID)
		if id == "" {
			return nil, fmt.Errorf("medication with empty id (brand=%q)", med.BrandName)
		}
		if _, dup := m.medications[id]; dup {
			return nil, fmt.Errorf("duplicate medication id %q", id)
		}
		m.medications[id] = cloneMedication(med)
		m.medOrder = append(m.medOrder, id)
	}

	for _, u := range ds.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return nil, fmt.Errorf("user with empty id (phone_last4=%q)", u.PhoneLast4)
		}
		if _, dup := m.users[id]; dup {
			return nil, fmt.Errorf("duplicate user id %q", id)
		}
		m.users[id] = u
		suffix := strings.TrimSpace(u.PhoneLast4)
		m.byPhone[suffix] = append(m.byPhone[suffix], id)
	}
	for suffix, ids := range m.byPhone {
		sort.Strings(ids)
		m.byPhone[suffix] = ids
	}

	for _, rx := range ds.Prescriptions {
		m.prescriptions[rx.UserID] = append(m.prescriptions[rx.UserID], rx)
	}

	return m, nil
}

func (m *Memory) MedicationByID(_ context.Context, id string) (Medication, error) {
	med, ok := m.medications[strings.TrimSpace(id)]
	if !ok {
		return Medication{}, fmt.Errorf("%w: medication %q", ErrNotFound, id)
	}
	return cloneMedication(med), nil
}

func (m *Memory) MedicationsByName(_ context.Context, name string) (NameLookup, error) {
	q := normalize(name)
	if q == "" {
		return NameLookup{}, ErrInvalidQuery
	}

	out := NameLookup{Matches: make([]Medication, 0)}
	for _, id := range m.medOrder {
		med := m.medications[id]
		brand, generic := normalize(med.BrandName), normalize(med.GenericName)
		if q == brand || q == generic {
			exact := cloneMedication(med)
			out.Exact = &exact
		}
		if strings.Contains(brand, q) || strings.Contains(generic, q) {
			out.Matches = append(out.Matches, cloneMedication(med))
		}
	}
	return out, nil
}

func (m *Memory) UserByID(_ context.Context, id string) (User, error) {
	u, ok := m.users[strings.TrimSpace(id)]
	if !ok {
		return User{}, fmt.Errorf("%w: user %q", ErrNotFound, id)
	}
	return u, nil
}

// UserByPhoneSuffix resolves a user by the last four phone digits. When
// several users share a suffix the lowest user id wins and the collision is
// logged.
func (m *Memory) UserByPhoneSuffix(_ context.Context, suffix string) (User, error) {
	suffix = strings.TrimSpace(suffix)
	ids := m.byPhone[suffix]
	if suffix == "" || len(ids) == 0 {
		return User{}, fmt.Errorf("%w: no user for phone suffix", ErrNotFound)
	}
	if len(ids) > 1 {
		m.log.Warn().
			Strs("user_ids", ids).
			Str("chosen_user_id", ids[0]).
			Msg("phone suffix shared by several users")
	}
	return m.users[ids[0]], nil
}

func (m *Memory) ActivePrescriptions(_ context.Context, userID string, now time.Time) ([]Prescription, error) {
	if _, ok := m.users[userID]; !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, userID)
	}
	out := make([]Prescription, 0)
	for _, rx := range m.prescriptions[userID] {
		if rx.ActiveAt(now) {
			out = append(out, rx)
		}
	}
	return out, nil
}

func cloneMedication(med Medication) Medication {
	med.ActiveIngredients = append([]string(nil), med.ActiveIngredients...)
	return med
}
