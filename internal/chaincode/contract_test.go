package chaincode

import (
	"errors"
	"testing"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/portal/internal/platform/ledger"
)

type mapState map[string][]byte

func (m mapState) GetState(key string) ([]byte, error) { return m[key], nil }
func (m mapState) PutState(key string, value []byte) error {
	m[key] = value
	return nil
}
func (m mapState) DelState(key string) error {
	delete(m, key)
	return nil
}

func TestApply_WritesBatch(t *testing.T) {
	st := mapState{}
	err := apply(st, []ledger.Op{
		ledger.Insert("id/patient/100001", []byte(`{"id":"100001"}`)),
		ledger.Insert("acct/patient/0xabc", []byte("100001")),
	})
	require.NoError(t, err)
	assert.Len(t, st, 2)
}

func TestApply_FailedPreconditionWritesNothing(t *testing.T) {
	st := mapState{"acct/patient/0xabc": []byte("100001")}
	err := apply(st, []ledger.Op{
		ledger.Insert("id/patient/100002", []byte(`{"id":"100002"}`)),
		ledger.Insert("acct/patient/0xabc", []byte("100002")),
	})
	require.ErrorIs(t, err, ledger.ErrKeyExists)
	assert.NotContains(t, st, "id/patient/100002")
}

func TestApply_ExpectAndDelete(t *testing.T) {
	st := mapState{"grant/active/100001/200002": []byte("g1")}
	require.ErrorIs(t, apply(st, []ledger.Op{
		ledger.Expect("grant/active/100001/200002", []byte("g0")),
		ledger.Delete("grant/active/100001/200002"),
	}), ledger.ErrConflict)

	require.NoError(t, apply(st, []ledger.Op{
		ledger.Expect("grant/active/100001/200002", []byte("g1")),
		ledger.Delete("grant/active/100001/200002"),
	}))
	assert.Empty(t, st)
}

func TestNewChaincode_RegistersLedgerTransactions(t *testing.T) {
	cc, err := contractapi.NewChaincode(&LedgerContract{WriterMSPID: "PortalMSP"})
	require.NoError(t, err)
	assert.NotNil(t, cc)
}

type fakeIdentity struct {
	msp string
	err error
}

func (f fakeIdentity) GetMSPID() (string, error) { return f.msp, f.err }

func TestAuthorize_OnlyWriterMSP(t *testing.T) {
	c := &LedgerContract{WriterMSPID: "PortalMSP"}

	assert.NoError(t, c.authorize(fakeIdentity{msp: "PortalMSP"}))
	assert.ErrorIs(t, c.authorize(fakeIdentity{msp: "HospitalMSP"}), ErrForbidden)

	err := c.authorize(fakeIdentity{err: errors.New("no creator")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrForbidden)

	unset := &LedgerContract{}
	assert.ErrorIs(t, unset.authorize(fakeIdentity{msp: "PortalMSP"}), ErrForbidden)
}
