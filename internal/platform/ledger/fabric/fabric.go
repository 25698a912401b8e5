// Package fabric is the client half of the Fabric ledger backend. It lives
// apart from package ledger so the chaincode, which links the legacy Fabric
// protos through fabric-contract-api-go, never links the gateway protos.
package fabric

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/hyperledger/fabric-protos-go-apiv2/gateway"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/ehr/portal/internal/platform/ledger"
)

// Config locates the peer, client identity and chaincode.
type Config struct {
	PeerEndpoint string
	GatewayPeer  string
	MSPID        string
	CertPath     string
	// KeyPath is a PEM file or a keystore directory holding exactly one key.
	KeyPath     string
	TLSCertPath string
	Channel     string
	Chaincode   string
}

// contract is the subset of *client.Contract used by Store.
type contract interface {
	EvaluateWithContext(ctx context.Context, name string, options ...client.ProposalOption) ([]byte, error)
	SubmitWithContext(ctx context.Context, name string, options ...client.ProposalOption) ([]byte, error)
}

// Store submits every Apply as one transaction to the ehr ledger
// chaincode and serves Get and Scan as evaluations against a peer.
type Store struct {
	contract contract
	closers  []func() error
}

var _ ledger.Store = (*Store)(nil)

// Dial connects to a Fabric gateway peer.
func Dial(cfg Config) (*Store, error) {
	tlsCert, err := loadCertificate(cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	certPool.AddCert(tlsCert)
	creds := credentials.NewClientTLSFromCert(certPool, cfg.GatewayPeer)

	conn, err := grpc.Dial(cfg.PeerEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	id, err := newIdentity(cfg.MSPID, cfg.CertPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sign, err := newSign(cfg.KeyPath)
	if err != nil {
		conn.Close()
		return nil, err
	}

	gw, err := client.Connect(
		id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(5*time.Second),
		client.WithEndorseTimeout(15*time.Second),
		client.WithSubmitTimeout(5*time.Second),
		client.WithCommitStatusTimeout(time.Minute),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect gateway: %w", err)
	}

	network := gw.GetNetwork(cfg.Channel)
	return &Store{
		contract: network.GetContract(cfg.Chaincode),
		closers:  []func() error{gw.Close, conn.Close},
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.contract.EvaluateWithContext(ctx, "Get", client.WithArguments(key))
	if err != nil {
		return nil, mapError("evaluate Get", err)
	}
	var e ledger.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode Get result: %w", err)
	}
	return e.Value, nil
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]ledger.Entry, error) {
	raw, err := s.contract.EvaluateWithContext(ctx, "Scan", client.WithArguments(prefix))
	if err != nil {
		return nil, mapError("evaluate Scan", err)
	}
	var out []ledger.Entry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode Scan result: %w", err)
	}
	return out, nil
}

func (s *Store) Apply(ctx context.Context, ops ...ledger.Op) error {
	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if _, err := s.contract.SubmitWithContext(ctx, "Apply", client.WithArguments(string(payload))); err != nil {
		return mapError("submit Apply", err)
	}
	return nil
}

func (s *Store) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// mapError recovers ledger sentinels from chaincode error messages, which
// the gateway reports as gRPC status details rather than in the top-level
// message. A transaction invalidated at commit by a concurrent write to a
// key it read maps to ledger.ErrConflict, like a failed Expect.
func mapError(op string, err error) error {
	var commitErr *client.CommitError
	if errors.As(err, &commitErr) {
		switch commitErr.Code {
		case peer.TxValidationCode_MVCC_READ_CONFLICT, peer.TxValidationCode_PHANTOM_READ_CONFLICT:
			return fmt.Errorf("%s: %w: %v", op, ledger.ErrConflict, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	text := err.Error()
	if st, ok := status.FromError(err); ok {
		for _, d := range st.Details() {
			if detail, ok := d.(*gateway.ErrorDetail); ok {
				text += "; " + detail.GetMessage()
			}
		}
	}
	for _, sentinel := range []error{ledger.ErrNotFound, ledger.ErrKeyExists, ledger.ErrConflict} {
		if strings.Contains(text, sentinel.Error()) {
			return fmt.Errorf("%s: %w", op, sentinel)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func newIdentity(mspID, certPath string) (*identity.X509Identity, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, err
	}
	id, err := identity.NewX509Identity(mspID, cert)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return id, nil
}

func newSign(keyPath string) (identity.Sign, error) {
	info, err := os.Stat(keyPath)
	if err != nil {
		return nil, fmt.Errorf("stat private key: %w", err)
	}
	if info.IsDir() {
		files, err := os.ReadDir(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key directory: %w", err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("private key directory %s is empty", keyPath)
		}
		keyPath = filepath.Join(keyPath, files[0].Name())
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return identity.NewPrivateKeySign(key)
}

func loadCertificate(filename string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}
	return identity.CertificateFromPEM(certPEM)
}
