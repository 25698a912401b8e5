package permission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/ledger"
)

// Key layout:
//
//	grant/active/<patient>/<doctor>        active grant JSON
//	grant/doctor/<doctor>/<patient>        copy of the active grant
//	grant/history/<patient>/<nanos>-<id>   revoked grant JSON
type ledgerRepo struct {
	store ledger.Store
}

func NewLedgerRepo(store ledger.Store) Repository {
	return &ledgerRepo{store: store}
}

const revokeAttempts = 3

func activeKey(patientID, doctorID string) string {
	return ledger.Key("grant", "active", patientID, doctorID)
}

func doctorKey(doctorID, patientID string) string {
	return ledger.Key("grant", "doctor", doctorID, patientID)
}

func historyKey(g *Grant) string {
	return ledger.Key("grant", "history", g.PatientID, fmt.Sprintf("%020d-%s", g.GrantedAt.UnixNano(), g.ID))
}

func (r *ledgerRepo) Create(ctx context.Context, g *Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	err = r.store.Apply(ctx,
		ledger.Insert(activeKey(g.PatientID, g.DoctorID), data),
		ledger.Put(doctorKey(g.DoctorID, g.PatientID), data),
	)
	if errors.Is(err, ledger.ErrKeyExists) {
		return fmt.Errorf("%w: patient %s doctor %s", apperr.ErrAlreadyGranted, g.PatientID, g.DoctorID)
	}
	return err
}

func (r *ledgerRepo) Active(ctx context.Context, patientID, doctorID string) (*Grant, error) {
	g, _, err := r.active(ctx, patientID, doctorID)
	return g, err
}

func (r *ledgerRepo) active(ctx context.Context, patientID, doctorID string) (*Grant, []byte, error) {
	data, err := r.store.Get(ctx, activeKey(patientID, doctorID))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: patient %s doctor %s", apperr.ErrNotGranted, patientID, doctorID)
	}
	if err != nil {
		return nil, nil, err
	}
	g, err := decodeGrant(data)
	return g, data, err
}

// Revoke moves the active grant to history. The batch expects the exact
// grant it read, so a concurrent revoke makes this one observe ErrNotGranted.
func (r *ledgerRepo) Revoke(ctx context.Context, patientID, doctorID, revokedBy string, at time.Time) (*Grant, error) {
	for attempt := 0; ; attempt++ {
		g, current, err := r.active(ctx, patientID, doctorID)
		if err != nil {
			return nil, err
		}
		g.RevokedAt = &at
		g.RevokedBy = revokedBy
		revoked, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encode grant: %w", err)
		}
		err = r.store.Apply(ctx,
			ledger.Expect(activeKey(patientID, doctorID), current),
			ledger.Delete(activeKey(patientID, doctorID)),
			ledger.Delete(doctorKey(doctorID, patientID)),
			ledger.Insert(historyKey(g), revoked),
		)
		if errors.Is(err, ledger.ErrConflict) && attempt+1 < revokeAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

func (r *ledgerRepo) ListActiveByPatient(ctx context.Context, patientID string) ([]*Grant, error) {
	return r.scan(ctx, ledger.Prefix("grant", "active", patientID))
}

func (r *ledgerRepo) ListActiveByDoctor(ctx context.Context, doctorID string) ([]*Grant, error) {
	return r.scan(ctx, ledger.Prefix("grant", "doctor", doctorID))
}

func (r *ledgerRepo) History(ctx context.Context, patientID string) ([]*Grant, error) {
	active, err := r.scan(ctx, ledger.Prefix("grant", "active", patientID))
	if err != nil {
		return nil, err
	}
	revoked, err := r.scan(ctx, ledger.Prefix("grant", "history", patientID))
	if err != nil {
		return nil, err
	}
	all := append(revoked, active...)
	sortGrants(all)
	return all, nil
}

func (r *ledgerRepo) scan(ctx context.Context, prefix string) ([]*Grant, error) {
	entries, err := r.store.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Grant, 0, len(entries))
	for _, e := range entries {
		g, err := decodeGrant(e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

func sortGrants(gs []*Grant) {
	sort.SliceStable(gs, func(i, j int) bool {
		if !gs[i].GrantedAt.Equal(gs[j].GrantedAt) {
			return gs[i].GrantedAt.Before(gs[j].GrantedAt)
		}
		return gs[i].ID < gs[j].ID
	})
}

func decodeGrant(data []byte) (*Grant, error) {
	var g Grant
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	return &g, nil
}
