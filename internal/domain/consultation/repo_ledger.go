package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/ledger"
)

// Key layout:
//
//	cons/id/<recordID>         owning patient id
//	cons/head/<patient>        last sequence number
//	cons/item/<patient>/<seq>  entry JSON
type ledgerRepo struct {
	store ledger.Store
}

func NewLedgerRepo(store ledger.Store) Repository {
	return &ledgerRepo{store: store}
}

const createAttempts = 8

var ErrContention = errors.New("consultation: sequence contention")

func recordKey(recordID string) string { return ledger.Key("cons", "id", recordID) }
func headKey(patientID string) string  { return ledger.Key("cons", "head", patientID) }

func itemKey(patientID string, seq int64) string {
	return ledger.Key("cons", "item", patientID, ledger.Seq(seq))
}

func (r *ledgerRepo) Create(ctx context.Context, e *Entry) error {
	head := headKey(e.PatientID)
	for attempt := 0; attempt < createAttempts; attempt++ {
		cur, err := r.store.Get(ctx, head)
		var last int64
		switch {
		case errors.Is(err, ledger.ErrNotFound):
		case err != nil:
			return err
		default:
			if last, err = strconv.ParseInt(string(cur), 10, 64); err != nil {
				return fmt.Errorf("decode consultation head %s: %w", head, err)
			}
		}

		e.Seq = last + 1
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode consultation: %w", err)
		}
		next := []byte(strconv.FormatInt(e.Seq, 10))

		ops := []ledger.Op{ledger.Insert(recordKey(e.RecordID), []byte(e.PatientID))}
		if cur == nil {
			ops = append(ops, ledger.Insert(head, next))
		} else {
			ops = append(ops, ledger.Expect(head, cur), ledger.Put(head, next))
		}
		ops = append(ops, ledger.Insert(itemKey(e.PatientID, e.Seq), data))

		err = r.store.Apply(ctx, ops...)
		if errors.Is(err, ledger.ErrKeyExists) || errors.Is(err, ledger.ErrConflict) {
			if _, gerr := r.store.Get(ctx, recordKey(e.RecordID)); gerr == nil {
				return fmt.Errorf("%w: %s", apperr.ErrDuplicateRecordID, e.RecordID)
			} else if !errors.Is(gerr, ledger.ErrNotFound) {
				return gerr
			}
			continue
		}
		return err
	}
	return fmt.Errorf("%w: patient %s", ErrContention, e.PatientID)
}

func (r *ledgerRepo) ListByPatient(ctx context.Context, patientID string) ([]*Entry, error) {
	entries, err := r.store.Scan(ctx, ledger.Prefix("cons", "item", patientID))
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(entries))
	for _, kv := range entries {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("decode consultation %s: %w", kv.Key, err)
		}
		out = append(out, &e)
	}
	return out, nil
}
