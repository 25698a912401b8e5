// Package chaincode is the on-ledger half of the Fabric ledger backend. It
// exposes the ledger.Store operations as chaincode transactions so that the
// precondition checks of a batch run inside the endorsing peer and commit
// atomically with the writes.
package chaincode

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/ehr/portal/internal/platform/ledger"
)

// ErrForbidden is returned to callers outside the portal's MSP.
var ErrForbidden = errors.New("chaincode: caller is not the portal")

// LedgerContract stores opaque values under namespaced string keys. Only
// clients enrolled in WriterMSPID may call it; every access rule of the
// portal is enforced before a batch reaches the ledger, so a direct write
// from another organization would bypass them.
type LedgerContract struct {
	contractapi.Contract
	WriterMSPID string
}

// mspIdentity is the part of the client identity the contract checks.
type mspIdentity interface {
	GetMSPID() (string, error)
}

func (c *LedgerContract) authorize(id mspIdentity) error {
	if c.WriterMSPID == "" {
		return fmt.Errorf("%w: no writer MSP configured", ErrForbidden)
	}
	msp, err := id.GetMSPID()
	if err != nil {
		return fmt.Errorf("read client MSP: %v", err)
	}
	if msp != c.WriterMSPID {
		return fmt.Errorf("%w: MSP %s", ErrForbidden, msp)
	}
	return nil
}

// state is the slice of the chaincode stub the contract needs.
type state interface {
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
	DelState(key string) error
}

// Get returns the entry at key as JSON, or ledger.ErrNotFound's message.
func (c *LedgerContract) Get(ctx contractapi.TransactionContextInterface, key string) (string, error) {
	if err := c.authorize(ctx.GetClientIdentity()); err != nil {
		return "", err
	}
	v, err := ctx.GetStub().GetState(key)
	if err != nil {
		return "", fmt.Errorf("read %s: %v", key, err)
	}
	if v == nil {
		return "", ledger.ErrNotFound
	}
	out, err := json.Marshal(ledger.Entry{Key: key, Value: v})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Scan returns every entry under prefix, ordered by key, as a JSON array.
func (c *LedgerContract) Scan(ctx contractapi.TransactionContextInterface, prefix string) (string, error) {
	if err := c.authorize(ctx.GetClientIdentity()); err != nil {
		return "", err
	}
	iter, err := ctx.GetStub().GetStateByRange(prefix, prefix+"\xff")
	if err != nil {
		return "", fmt.Errorf("range %s: %v", prefix, err)
	}
	defer iter.Close()

	entries := []ledger.Entry{}
	for iter.HasNext() {
		kv, err := iter.Next()
		if err != nil {
			return "", err
		}
		entries = append(entries, ledger.Entry{Key: kv.Key, Value: kv.Value})
	}
	out, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Apply decodes a JSON batch of ledger ops and applies it.
func (c *LedgerContract) Apply(ctx contractapi.TransactionContextInterface, batchJSON string) error {
	if err := c.authorize(ctx.GetClientIdentity()); err != nil {
		return err
	}
	var ops []ledger.Op
	if err := json.Unmarshal([]byte(batchJSON), &ops); err != nil {
		return fmt.Errorf("decode batch: %v", err)
	}
	return apply(ctx.GetStub(), ops)
}

func apply(st state, ops []ledger.Op) error {
	err := ledger.Check(ops, func(key string) ([]byte, bool, error) {
		v, err := st.GetState(key)
		if err != nil {
			return nil, false, err
		}
		return v, v != nil, nil
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Kind {
		case ledger.OpPut, ledger.OpInsert:
			if err := st.PutState(op.Key, op.Value); err != nil {
				return fmt.Errorf("write %s: %v", op.Key, err)
			}
		case ledger.OpDelete:
			if err := st.DelState(op.Key); err != nil {
				return fmt.Errorf("delete %s: %v", op.Key, err)
			}
		}
	}
	return nil
}
