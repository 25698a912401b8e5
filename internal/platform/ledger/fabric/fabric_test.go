package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/portal/internal/platform/ledger"
)

type fakeContract struct {
	evaluated []string
	submitted []string
	result    []byte
	err       error
}

func (f *fakeContract) EvaluateWithContext(_ context.Context, name string, _ ...client.ProposalOption) ([]byte, error) {
	f.evaluated = append(f.evaluated, name)
	return f.result, f.err
}

func (f *fakeContract) SubmitWithContext(_ context.Context, name string, _ ...client.ProposalOption) ([]byte, error) {
	f.submitted = append(f.submitted, name)
	return f.result, f.err
}

func TestStore_GetDecodesEntry(t *testing.T) {
	raw, _ := json.Marshal(ledger.Entry{Key: "k", Value: []byte(`{"id":"100001"}`)})
	fc := &fakeContract{result: raw}
	s := &Store{contract: fc}

	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"100001"}`, string(v))
	assert.Equal(t, []string{"Get"}, fc.evaluated)
}

func TestStore_ScanDecodesEntries(t *testing.T) {
	raw, _ := json.Marshal([]ledger.Entry{{Key: "a/1", Value: []byte("1")}, {Key: "a/2", Value: []byte("2")}})
	s := &Store{contract: &fakeContract{result: raw}}

	got, err := s.Scan(context.Background(), "a/")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a/2", got[1].Key)
}

func TestStore_ApplyMapsChaincodeErrors(t *testing.T) {
	fc := &fakeContract{err: errors.New("chaincode response 500, ledger: key already exists: id/patient/100001")}
	s := &Store{contract: fc}

	err := s.Apply(context.Background(), ledger.Insert("id/patient/100001", []byte("x")))
	require.ErrorIs(t, err, ledger.ErrKeyExists)
	assert.Equal(t, []string{"Apply"}, fc.submitted)

	fc.err = errors.New("chaincode response 500, ledger: key not found")
	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	fc.err = errors.New("rpc error: code = Unavailable desc = connection refused")
	err = s.Apply(context.Background(), ledger.Put("k", nil))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrKeyExists) || errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrNotFound))
}

func TestStore_ApplyMapsReadConflictAtCommit(t *testing.T) {
	fc := &fakeContract{err: &client.CommitError{TransactionID: "tx1", Code: peer.TxValidationCode_MVCC_READ_CONFLICT}}
	s := &Store{contract: fc}

	err := s.Apply(context.Background(), ledger.Insert("rec/100001/000002", []byte("x")))
	assert.ErrorIs(t, err, ledger.ErrConflict)

	fc.err = &client.CommitError{TransactionID: "tx2", Code: peer.TxValidationCode_PHANTOM_READ_CONFLICT}
	assert.ErrorIs(t, s.Apply(context.Background(), ledger.Put("k", nil)), ledger.ErrConflict)

	fc.err = &client.CommitError{TransactionID: "tx3", Code: peer.TxValidationCode_ENDORSEMENT_POLICY_FAILURE}
	err = s.Apply(context.Background(), ledger.Put("k", nil))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrConflict))
	var commitErr *client.CommitError
	assert.ErrorAs(t, err, &commitErr)
}
