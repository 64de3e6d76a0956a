package clinic

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SettingsStore reads clinics and clinic_settings from Postgres.
type SettingsStore struct {
	db DB
}

// NewSettingsStore creates a settings store.
func NewSettingsStore(db DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// ListClinicIDs returns every clinic id, ordered for stable batch iteration.
func (s *SettingsStore) ListClinicIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM clinics ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("clinic: list clinics: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("clinic: scan clinic id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Get reads the current settings of a clinic.
func (s *SettingsStore) Get(ctx context.Context, clinicID string) (Settings, error) {
	var st Settings
	err := s.db.QueryRow(ctx, `
		SELECT clinic_id, grace_minutes, late_cancel_window_minutes, auto_charge_enabled,
		       no_show_fee_cents, currency, updated_at
		FROM clinic_settings
		WHERE clinic_id = $1`, clinicID).Scan(
		&st.ClinicID, &st.GraceMinutes, &st.LateCancelWindowMinutes, &st.AutoChargeEnabled,
		&st.NoShowFeeCents, &st.Currency, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, ErrSettingsNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("clinic: get settings: %w", err)
	}
	return st, nil
}

// BillingRule returns the clinic's billing rule. A clinic without settings never bills.
func (s *SettingsStore) BillingRule(ctx context.Context, clinicID string) (BillingRule, error) {
	return ruleFrom(s.Get(ctx, clinicID))
}

func ruleFrom(st Settings, err error) (BillingRule, error) {
	if errors.Is(err, ErrSettingsNotFound) {
		return BillingRule{}, nil
	}
	if err != nil {
		return BillingRule{}, err
	}
	return st.Rule(), nil
}
