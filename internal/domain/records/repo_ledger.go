package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ehr/portal/internal/platform/ledger"
)

// Key layout:
//
//	rec/head/<patient>        last sequence number
//	rec/item/<patient>/<seq>  reference JSON
type ledgerRepo struct {
	store ledger.Store
}

func NewLedgerRepo(store ledger.Store) Repository {
	return &ledgerRepo{store: store}
}

const appendAttempts = 8

// ErrContention is returned when Append loses the sequence race
// appendAttempts times in a row.
var ErrContention = errors.New("records: sequence contention")

func headKey(patientID string) string { return ledger.Key("rec", "head", patientID) }

func itemKey(patientID string, seq int64) string {
	return ledger.Key("rec", "item", patientID, ledger.Seq(seq))
}

func (r *ledgerRepo) Append(ctx context.Context, ref *Reference) error {
	head := headKey(ref.PatientID)
	for attempt := 0; attempt < appendAttempts; attempt++ {
		cur, err := r.store.Get(ctx, head)
		var last int64
		switch {
		case errors.Is(err, ledger.ErrNotFound):
		case err != nil:
			return err
		default:
			if last, err = strconv.ParseInt(string(cur), 10, 64); err != nil {
				return fmt.Errorf("decode record head %s: %w", head, err)
			}
		}

		ref.Seq = last + 1
		data, err := json.Marshal(ref)
		if err != nil {
			return fmt.Errorf("encode record reference: %w", err)
		}
		next := []byte(strconv.FormatInt(ref.Seq, 10))

		ops := make([]ledger.Op, 0, 3)
		if cur == nil {
			ops = append(ops, ledger.Insert(head, next))
		} else {
			ops = append(ops, ledger.Expect(head, cur), ledger.Put(head, next))
		}
		ops = append(ops, ledger.Insert(itemKey(ref.PatientID, ref.Seq), data))

		err = r.store.Apply(ctx, ops...)
		if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrKeyExists) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: patient %s", ErrContention, ref.PatientID)
}

func (r *ledgerRepo) List(ctx context.Context, patientID string) ([]*Reference, error) {
	entries, err := r.store.Scan(ctx, ledger.Prefix("rec", "item", patientID))
	if err != nil {
		return nil, err
	}
	out := make([]*Reference, 0, len(entries))
	for _, e := range entries {
		var ref Reference
		if err := json.Unmarshal(e.Value, &ref); err != nil {
			return nil, fmt.Errorf("decode record reference %s: %w", e.Key, err)
		}
		out = append(out, &ref)
	}
	return out, nil
}
