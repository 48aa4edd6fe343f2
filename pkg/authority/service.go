package authority

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/openwisp/x509-authority/pkg/depot"
	secrets "github.com/openwisp/x509-authority/pkg/secrets/ca"
	"github.com/openwisp/x509-authority/pkg/utils"
	"github.com/openwisp/x509-authority/pkg/x509util"
)

var (
	ErrCANotFound         = errors.New("CA not found")
	ErrCertNotFound       = errors.New("certificate not found")
	ErrCAExists           = errors.New("a CA with this name already exists")
	ErrCertExists         = errors.New("a certificate with this serial already exists under this CA")
	ErrNameRequired       = errors.New("a name or a certificate common name is required")
	ErrPrivateKeyRequired = errors.New("importing an existing certificate requires its private key")
	ErrInvalidCertificate = errors.New("could not parse the certificate")
	ErrInvalidPrivateKey  = errors.New("could not parse the private key")
	ErrKeyMismatch        = errors.New("the private key does not match the certificate")
)

// Config carries the issuance policy. Zero values are not meaningful, start
// from DefaultConfig.
type Config struct {
	CABasicConstraintsCritical bool
	// Nil omits the pathlen field from basic constraints.
	CABasicConstraintsPathLen *int
	CAKeyUsage                string
	CAKeyUsageCritical        bool
	CertKeyUsage              string
	CertKeyUsageCritical      bool
	CAValidity                time.Duration
	CertValidity              time.Duration
	CRLUpdateInterval         time.Duration
	DefaultKeyLength          string
	DefaultDigest             string
}

func DefaultConfig() Config {
	pathLen := 0
	return Config{
		CABasicConstraintsCritical: true,
		CABasicConstraintsPathLen:  &pathLen,
		CAKeyUsage:                 "cRLSign, keyCertSign",
		CAKeyUsageCritical:         true,
		CertKeyUsage:               "digitalSignature, keyEncipherment",
		CertKeyUsageCritical:       false,
		CAValidity:                 10 * 365 * 24 * time.Hour,
		CertValidity:               365 * 24 * time.Hour,
		CRLUpdateInterval:          24 * time.Hour,
		DefaultKeyLength:           "2048",
		DefaultDigest:              "sha256",
	}
}

// CARequest describes a CA to generate.
type CARequest struct {
	Name          string          `json:"name"`
	KeyLength     string          `json:"key_length"`
	Digest        string          `json:"digest"`
	CountryCode   string          `json:"country_code"`
	State         string          `json:"state"`
	City          string          `json:"city"`
	Organization  string          `json:"organization"`
	Email         string          `json:"email"`
	CommonName    string          `json:"common_name"`
	ValidityStart *time.Time      `json:"validity_start,omitempty"`
	ValidityEnd   *time.Time      `json:"validity_end,omitempty"`
	Extensions    json.RawMessage `json:"extensions,omitempty"`
}

// CertRequest describes an end-entity certificate to issue.
type CertRequest struct {
	Name          string          `json:"name"`
	KeyLength     string          `json:"key_length"`
	Digest        string          `json:"digest"`
	CountryCode   string          `json:"country_code"`
	State         string          `json:"state"`
	City          string          `json:"city"`
	Organization  string          `json:"organization"`
	Email         string          `json:"email"`
	CommonName    string          `json:"common_name"`
	ValidityStart *time.Time      `json:"validity_start,omitempty"`
	ValidityEnd   *time.Time      `json:"validity_end,omitempty"`
	Extensions    json.RawMessage `json:"extensions,omitempty"`
}

type Service interface {
	Health(ctx context.Context) bool
	CreateCA(ctx context.Context, req CARequest) (*depot.CA, error)
	ImportCA(ctx context.Context, name string, certPEM []byte, keyPEM []byte) (*depot.CA, error)
	GetCA(ctx context.Context, name string) (*depot.CA, error)
	ListCAs(ctx context.Context, filter depot.CAFilter) ([]depot.CA, error)
	CreateCert(ctx context.Context, caName string, req CertRequest) (*depot.Cert, error)
	ImportCert(ctx context.Context, caName string, name string, certPEM []byte, keyPEM []byte) (*depot.Cert, error)
	GetCert(ctx context.Context, caName string, serial *big.Int) (*depot.Cert, error)
	ListCerts(ctx context.Context, filter depot.CertFilter) ([]depot.Cert, error)
	RevokeCert(ctx context.Context, caName string, serial *big.Int) (*depot.Cert, error)
	GetCRL(ctx context.Context, caName string) ([]byte, error)
}

type x509Authority struct {
	depot  depot.Depot
	keys   secrets.Store
	config Config
}

func NewService(d depot.Depot, keys secrets.Store, config Config) Service {
	return &x509Authority{depot: d, keys: keys, config: config}
}

func (a *x509Authority) Health(ctx context.Context) bool {
	return true
}

func (a *x509Authority) CreateCA(ctx context.Context, req CARequest) (*depot.CA, error) {
	if req.Name == "" {
		return nil, ErrNameRequired
	}
	if err := a.checkCAName(ctx, req.Name); err != nil {
		return nil, err
	}
	keyLength, digest := a.defaults(req.KeyLength, req.Digest)
	sigAlg, err := x509util.SignatureAlgorithm(digest)
	if err != nil {
		return nil, err
	}
	extraExts, err := callerExtensions(req.Extensions)
	if err != nil {
		return nil, err
	}
	key, err := x509util.GenerateKey(keyLength)
	if err != nil {
		return nil, err
	}
	serial, err := a.depot.NextSerial(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	notBefore, notAfter := validityBounds(req.ValidityStart, req.ValidityEnd, now, a.config.CAValidity)

	basicConstraints, err := x509util.BasicConstraintsExtension(true, a.config.CABasicConstraintsPathLen, a.config.CABasicConstraintsCritical)
	if err != nil {
		return nil, err
	}
	keyUsage, err := a.keyUsageExtension(a.config.CAKeyUsage, a.config.CAKeyUsageCritical)
	if err != nil {
		return nil, err
	}
	subjectKeyID, err := x509util.SubjectKeyID(key.Public())
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            x509util.Subject(req.CountryCode, req.State, req.City, req.Organization, req.CommonName, req.Email),
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: sigAlg,
		SubjectKeyId:       subjectKeyID,
		ExtraExtensions:    append([]pkix.Extension{basicConstraints, keyUsage}, extraExts...),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	keyPEM, err := x509util.EncodeKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := a.keys.PutCAKey(req.Name, keyPEM); err != nil {
		return nil, err
	}

	record := caRecordFromCertificate(req.Name, cert, now)
	record.KeyLength = keyLength
	record.Digest = digest
	record.Extensions = string(req.Extensions)
	if err := a.depot.InsertCA(ctx, record); err != nil {
		a.keys.DeleteCAKey(req.Name)
		return nil, err
	}
	return record, nil
}

func (a *x509Authority) ImportCA(ctx context.Context, name string, certPEM []byte, keyPEM []byte) (*depot.CA, error) {
	if len(keyPEM) == 0 {
		return nil, ErrPrivateKeyRequired
	}
	cert, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, ErrInvalidCertificate
	}
	key, err := x509util.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	if !x509util.KeyMatches(key, cert) {
		return nil, ErrKeyMismatch
	}
	if name == "" {
		name = cert.Subject.CommonName
	}
	if name == "" {
		return nil, ErrNameRequired
	}
	if err := a.checkCAName(ctx, name); err != nil {
		return nil, err
	}

	normalizedKey, err := x509util.EncodeKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := a.keys.PutCAKey(name, normalizedKey); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	record := caRecordFromCertificate(name, cert, now)
	if err := a.depot.InsertCA(ctx, record); err != nil {
		a.keys.DeleteCAKey(name)
		return nil, err
	}
	return record, nil
}

func (a *x509Authority) GetCA(ctx context.Context, name string) (*depot.CA, error) {
	ca, err := a.depot.GetCA(ctx, name)
	if err != nil {
		if errors.Is(err, depot.ErrNotFound) {
			return nil, ErrCANotFound
		}
		return nil, err
	}
	return ca, nil
}

func (a *x509Authority) ListCAs(ctx context.Context, filter depot.CAFilter) ([]depot.CA, error) {
	return a.depot.ListCAs(ctx, filter)
}

func (a *x509Authority) CreateCert(ctx context.Context, caName string, req CertRequest) (*depot.Cert, error) {
	caCert, caKey, err := a.issuer(ctx, caName)
	if err != nil {
		return nil, err
	}
	keyLength, digest := a.defaults(req.KeyLength, req.Digest)
	sigAlg, err := signatureAlgorithmFor(caKey, digest)
	if err != nil {
		return nil, err
	}
	extraExts, err := callerExtensions(req.Extensions)
	if err != nil {
		return nil, err
	}
	key, err := x509util.GenerateKey(keyLength)
	if err != nil {
		return nil, err
	}
	serial, err := a.depot.NextSerial(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	notBefore, notAfter := validityBounds(req.ValidityStart, req.ValidityEnd, now, a.config.CertValidity)

	basicConstraints, err := x509util.BasicConstraintsExtension(false, nil, false)
	if err != nil {
		return nil, err
	}
	keyUsage, err := a.keyUsageExtension(a.config.CertKeyUsage, a.config.CertKeyUsageCritical)
	if err != nil {
		return nil, err
	}
	subjectKeyID, err := x509util.SubjectKeyID(key.Public())
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            x509util.Subject(req.CountryCode, req.State, req.City, req.Organization, req.CommonName, req.Email),
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: sigAlg,
		SubjectKeyId:       subjectKeyID,
		AuthorityKeyId:     caCert.SubjectKeyId,
		ExtraExtensions:    append([]pkix.Extension{basicConstraints, keyUsage}, extraExts...),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, key.Public(), caKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	keyPEM, err := x509util.EncodeKeyPEM(key)
	if err != nil {
		return nil, err
	}

	record := certRecordFromCertificate(req.Name, caName, cert, now)
	record.KeyLength = keyLength
	record.Digest = digest
	record.PrivateKey = string(keyPEM)
	record.Extensions = string(req.Extensions)
	if err := a.depot.InsertCert(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (a *x509Authority) ImportCert(ctx context.Context, caName string, name string, certPEM []byte, keyPEM []byte) (*depot.Cert, error) {
	if _, err := a.GetCA(ctx, caName); err != nil {
		return nil, err
	}
	cert, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, ErrInvalidCertificate
	}
	var privateKey string
	if len(keyPEM) > 0 {
		key, err := x509util.ParsePrivateKeyPEM(keyPEM)
		if err != nil {
			return nil, ErrInvalidPrivateKey
		}
		if !x509util.KeyMatches(key, cert) {
			return nil, ErrKeyMismatch
		}
		normalized, err := x509util.EncodeKeyPEM(key)
		if err != nil {
			return nil, err
		}
		privateKey = string(normalized)
	}
	if _, err := a.depot.GetCert(ctx, caName, cert.SerialNumber); err == nil {
		return nil, ErrCertExists
	} else if !errors.Is(err, depot.ErrNotFound) {
		return nil, err
	}
	if name == "" {
		name = cert.Subject.CommonName
	}

	now := time.Now().UTC().Truncate(time.Second)
	record := certRecordFromCertificate(name, caName, cert, now)
	record.PrivateKey = privateKey
	if err := a.depot.InsertCert(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (a *x509Authority) GetCert(ctx context.Context, caName string, serial *big.Int) (*depot.Cert, error) {
	crt, err := a.depot.GetCert(ctx, caName, serial)
	if err != nil {
		if errors.Is(err, depot.ErrNotFound) {
			return nil, ErrCertNotFound
		}
		return nil, err
	}
	return crt, nil
}

func (a *x509Authority) ListCerts(ctx context.Context, filter depot.CertFilter) ([]depot.Cert, error) {
	return a.depot.ListCerts(ctx, filter)
}

// RevokeCert records the revocation. Revoking an already revoked
// certificate is a no-op, matching bulk revocation semantics.
func (a *x509Authority) RevokeCert(ctx context.Context, caName string, serial *big.Int) (*depot.Cert, error) {
	crt, err := a.GetCert(ctx, caName, serial)
	if err != nil {
		return nil, err
	}
	if crt.Revoked() {
		return crt, nil
	}
	revokedAt := time.Now().UTC().Truncate(time.Second)
	if err := a.depot.RevokeCert(ctx, caName, serial, revokedAt); err != nil {
		if errors.Is(err, depot.ErrNotFound) {
			return nil, ErrCertNotFound
		}
		return nil, err
	}
	crt.Status = depot.StatusRevoked
	crt.RevokedAt = revokedAt
	crt.Modified = revokedAt
	return crt, nil
}

// GetCRL signs a fresh CRL containing the revoked certificates that are
// inside their validity window. Expired and not yet valid ones are left out.
func (a *x509Authority) GetCRL(ctx context.Context, caName string) ([]byte, error) {
	ca, err := a.GetCA(ctx, caName)
	if err != nil {
		return nil, err
	}
	caCert, err := x509util.ParseCertificatePEM([]byte(ca.Certificate))
	if err != nil {
		return nil, err
	}
	caKey, err := a.keys.GetCAKey(caName)
	if err != nil {
		return nil, err
	}

	revoked := true
	certs, err := a.depot.ListCerts(ctx, depot.CertFilter{CA: caName, Revoked: &revoked})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var entries []x509.RevocationListEntry
	for _, crt := range certs {
		if now.Before(crt.ValidityStart) || now.After(crt.ValidityEnd) {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   crt.SerialNumber,
			RevocationTime: crt.RevokedAt,
		})
	}

	number, err := a.depot.BumpCRLNumber(ctx, caName)
	if err != nil {
		return nil, err
	}
	sigAlg, err := signatureAlgorithmFor(caKey, ca.Digest)
	if err != nil {
		sigAlg = x509.UnknownSignatureAlgorithm
	}
	template := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(a.config.CRLUpdateInterval),
		SignatureAlgorithm:        sigAlg,
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, caCert, caKey)
	if err != nil {
		return nil, err
	}
	return utils.EncodePEM(utils.CRLPEMBlockType, der), nil
}

func (a *x509Authority) checkCAName(ctx context.Context, name string) error {
	_, err := a.depot.GetCA(ctx, name)
	if err == nil {
		return ErrCAExists
	}
	if !errors.Is(err, depot.ErrNotFound) {
		return err
	}
	return nil
}

func (a *x509Authority) issuer(ctx context.Context, caName string) (*x509.Certificate, crypto.Signer, error) {
	ca, err := a.GetCA(ctx, caName)
	if err != nil {
		return nil, nil, err
	}
	caCert, err := x509util.ParseCertificatePEM([]byte(ca.Certificate))
	if err != nil {
		return nil, nil, err
	}
	caKey, err := a.keys.GetCAKey(caName)
	if err != nil {
		return nil, nil, err
	}
	return caCert, caKey, nil
}

func (a *x509Authority) defaults(keyLength, digest string) (string, string) {
	if keyLength == "" {
		keyLength = a.config.DefaultKeyLength
	}
	if digest == "" {
		digest = a.config.DefaultDigest
	}
	return keyLength, digest
}

func (a *x509Authority) keyUsageExtension(value string, critical bool) (pkix.Extension, error) {
	usage, err := x509util.ParseKeyUsage(value)
	if err != nil {
		return pkix.Extension{}, err
	}
	return x509util.KeyUsageExtension(usage, critical)
}

func callerExtensions(raw json.RawMessage) ([]pkix.Extension, error) {
	exts, err := x509util.ParseExtensions(raw)
	if err != nil {
		return nil, err
	}
	return x509util.BuildExtensions(exts)
}

func validityBounds(start, end *time.Time, now time.Time, validity time.Duration) (time.Time, time.Time) {
	notBefore := now
	if start != nil {
		notBefore = *start
	}
	notAfter := notBefore.Add(validity)
	if end != nil {
		notAfter = *end
	}
	return notBefore, notAfter
}

// signatureAlgorithmFor maps the record digest to a signature algorithm for
// the signing key. Non RSA keys fall back to the library default so that
// imported ECDSA authorities keep working.
func signatureAlgorithmFor(key crypto.Signer, digest string) (x509.SignatureAlgorithm, error) {
	if _, ok := key.Public().(*rsa.PublicKey); !ok {
		return x509.UnknownSignatureAlgorithm, nil
	}
	return x509util.SignatureAlgorithm(digest)
}

func caRecordFromCertificate(name string, cert *x509.Certificate, now time.Time) *depot.CA {
	countryCode, state, city, organization, email, commonName := x509util.SubjectFields(cert)
	return &depot.CA{
		Name:              name,
		KeyLength:         x509util.KeyLengthFrom(cert.PublicKey),
		Digest:            x509util.DigestFrom(cert.SignatureAlgorithm),
		SerialNumber:      cert.SerialNumber,
		ValidityStart:     cert.NotBefore,
		ValidityEnd:       cert.NotAfter,
		CountryCode:       countryCode,
		State:             state,
		City:              city,
		Organization:      organization,
		Email:             email,
		CommonName:        commonName,
		DistinguishedName: x509util.DistinguishedName(cert),
		Certificate:       string(x509util.EncodeCertificatePEM(cert.Raw)),
		Created:           now,
		Modified:          now,
	}
}

func certRecordFromCertificate(name string, caName string, cert *x509.Certificate, now time.Time) *depot.Cert {
	countryCode, state, city, organization, email, commonName := x509util.SubjectFields(cert)
	if name == "" {
		name = commonName
	}
	return &depot.Cert{
		Name:              name,
		CA:                caName,
		Status:            depot.StatusValid,
		KeyLength:         x509util.KeyLengthFrom(cert.PublicKey),
		Digest:            x509util.DigestFrom(cert.SignatureAlgorithm),
		SerialNumber:      cert.SerialNumber,
		ValidityStart:     cert.NotBefore,
		ValidityEnd:       cert.NotAfter,
		CountryCode:       countryCode,
		State:             state,
		City:              city,
		Organization:      organization,
		Email:             email,
		CommonName:        commonName,
		DistinguishedName: x509util.DistinguishedName(cert),
		Certificate:       string(x509util.EncodeCertificatePEM(cert.Raw)),
		Created:           now,
		Modified:          now,
	}
}
