package depot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Status values follow the OpenSSL CA index convention.
const (
	StatusValid   = 'V'
	StatusRevoked = 'R'
)

var ErrNotFound = errors.New("record not found")

// CA is the persisted record of a certificate authority. The private key is
// never stored here, it lives in the secrets store.
type CA struct {
	ID                string
	Name              string
	KeyLength         string
	Digest            string
	SerialNumber      *big.Int
	ValidityStart     time.Time
	ValidityEnd       time.Time
	CountryCode       string
	State             string
	City              string
	Organization      string
	Email             string
	CommonName        string
	DistinguishedName string
	Extensions        string
	Certificate       string
	CRLNumber         int64
	Created           time.Time
	Modified          time.Time
}

// Cert is the persisted record of an end-entity certificate. A certificate
// belongs to exactly one CA and is mutated only by revocation.
type Cert struct {
	ID                string
	Name              string
	CA                string
	Status            byte
	RevokedAt         time.Time
	KeyLength         string
	Digest            string
	SerialNumber      *big.Int
	ValidityStart     time.Time
	ValidityEnd       time.Time
	CountryCode       string
	State             string
	City              string
	Organization      string
	Email             string
	CommonName        string
	DistinguishedName string
	Extensions        string
	Certificate       string
	PrivateKey        string
	Created           time.Time
	Modified          time.Time
}

func (c *Cert) Revoked() bool {
	return c.Status == StatusRevoked
}

type CAFilter struct {
	KeyLength string
	Digest    string
}

type CertFilter struct {
	CA        string
	Revoked   *bool
	KeyLength string
	Digest    string
}

type Depot interface {
	NextSerial(ctx context.Context) (*big.Int, error)
	InsertCA(ctx context.Context, ca *CA) error
	GetCA(ctx context.Context, name string) (*CA, error)
	ListCAs(ctx context.Context, filter CAFilter) ([]CA, error)
	BumpCRLNumber(ctx context.Context, caName string) (int64, error)
	InsertCert(ctx context.Context, crt *Cert) error
	GetCert(ctx context.Context, caName string, serial *big.Int) (*Cert, error)
	ListCerts(ctx context.Context, filter CertFilter) ([]Cert, error)
	RevokeCert(ctx context.Context, caName string, serial *big.Int, revokedAt time.Time) error
}

// FormatSerial renders a serial number the way it is stored, lowercase hex
// without a 0x prefix.
func FormatSerial(serial *big.Int) string {
	return fmt.Sprintf("%x", serial)
}

func ParseSerial(s string) (*big.Int, error) {
	serial, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid serial %q", s)
	}
	return serial, nil
}
