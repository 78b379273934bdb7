package audit

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// FabricConfig locates the peer and the client identity used to submit audit
// transactions.
type FabricConfig struct {
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

// logAccessReason is the chaincode function that appends an audit record.
const logAccessReason = "LogAccessReason"

// submitter abstracts the part of the gateway contract FabricSink needs.
type submitter interface {
	submit(ctx context.Context, fn string, args ...string) (txID string, block uint64, err error)
}

// FabricSink records entries through the LogAccessReason transaction of a
// Hyperledger Fabric audit contract.
type FabricSink struct {
	contract submitter
	closeFn  func() error
}

// NewFabricSink dials the peer and connects a gateway for cfg's identity.
func NewFabricSink(cfg FabricConfig) (*FabricSink, error) {
	conn, err := newGrpcConnection(cfg)
	if err != nil {
		return nil, err
	}

	id, err := newIdentity(cfg)
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
		return nil, fmt.Errorf("connect fabric gateway: %w", err)
	}

	contract := gw.GetNetwork(cfg.Channel).GetContract(cfg.Chaincode)
	return &FabricSink{
		contract: &gatewayContract{contract: contract},
		closeFn: func() error {
			gw.Close()
			return conn.Close()
		},
	}, nil
}

func (s *FabricSink) Record(ctx context.Context, e Entry) (Receipt, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	txID, block, err := s.contract.submit(ctx, logAccessReason,
		e.Actor, e.PatientID, e.Action, e.Reason, e.RecordHash,
		strconv.FormatInt(e.At.Unix(), 10))
	if err != nil {
		return Receipt{}, fmt.Errorf("submit %s: %w", logAccessReason, err)
	}
	return Receipt{
		ID:         strconv.FormatUint(block, 10),
		Backend:    "fabric",
		TxID:       txID,
		RecordedAt: e.At,
	}, nil
}

func (s *FabricSink) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

type gatewayContract struct {
	contract *client.Contract
}

// submit endorses, submits and waits for the commit so the receipt carries
// the committed transaction id.
func (g *gatewayContract) submit(ctx context.Context, fn string, args ...string) (string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	proposal, err := g.contract.NewProposal(fn, client.WithArguments(args...))
	if err != nil {
		return "", 0, fmt.Errorf("create proposal: %w", err)
	}
	txn, err := proposal.Endorse()
	if err != nil {
		return "", 0, fmt.Errorf("endorse: %w", err)
	}
	commit, err := txn.Submit()
	if err != nil {
		return "", 0, fmt.Errorf("submit: %w", err)
	}
	status, err := commit.Status()
	if err != nil {
		return "", 0, fmt.Errorf("commit status: %w", err)
	}
	if !status.Successful {
		return "", 0, fmt.Errorf("transaction %s failed to commit with status code %d", status.TransactionID, int32(status.Code))
	}
	return proposal.TransactionID(), status.BlockNumber, nil
}

func newGrpcConnection(cfg FabricConfig) (*grpc.ClientConn, error) {
	certificate, err := loadCertificate(cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	certPool.AddCert(certificate)
	creds := credentials.NewClientTLSFromCert(certPool, cfg.GatewayPeer)

	conn, err := grpc.Dial(cfg.PeerEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}
	return conn, nil
}

func newIdentity(cfg FabricConfig) (*identity.X509Identity, error) {
	certificate, err := loadCertificate(cfg.CertPath)
	if err != nil {
		return nil, err
	}
	id, err := identity.NewX509Identity(cfg.MSPID, certificate)
	if err != nil {
		return nil, fmt.Errorf("create x509 identity: %w", err)
	}
	return id, nil
}

func loadCertificate(filename string) (*x509.Certificate, error) {
	pem, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read certificate file: %w", err)
	}
	return identity.CertificateFromPEM(pem)
}

func newSign(keyPath string) (identity.Sign, error) {
	keyFile, err := resolveKeyFile(keyPath)
	if err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	key, err := identity.PrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return identity.NewPrivateKeySign(key)
}

// resolveKeyFile accepts either a key file or an MSP keystore directory.
func resolveKeyFile(keyPath string) (string, error) {
	info, err := os.Stat(keyPath)
	if err != nil {
		return "", fmt.Errorf("stat private key path: %w", err)
	}
	if !info.IsDir() {
		return keyPath, nil
	}
	entries, err := os.ReadDir(keyPath)
	if err != nil {
		return "", fmt.Errorf("read private key directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			return filepath.Join(keyPath, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no private key found in %s", keyPath)
}
