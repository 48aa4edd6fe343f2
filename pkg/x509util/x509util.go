package x509util

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/openwisp/x509-authority/pkg/utils"
)

var (
	ErrInvalidExtensions = errors.New("extension format invalid")
	ErrUnknownKeyLength  = errors.New("unknown key length")
	ErrUnknownDigest     = errors.New("unknown digest")
	ErrUnknownKeyUsage   = errors.New("unknown key usage")
)

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Extension is a caller supplied certificate extension. Values are encoded
// as IA5 strings under the named OID.
type Extension struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	Value    string `json:"value"`
}

var extensionOIDs = map[string]asn1.ObjectIdentifier{
	"nsComment":       {2, 16, 840, 1, 113730, 1, 13},
	"nsBaseUrl":       {2, 16, 840, 1, 113730, 1, 2},
	"nsRevocationUrl": {2, 16, 840, 1, 113730, 1, 3},
	"nsCaPolicyUrl":   {2, 16, 840, 1, 113730, 1, 8},
}

// ParseExtensions validates a raw JSON extension list. Anything that is not
// a list of {name, critical, value} objects is rejected.
func ParseExtensions(raw json.RawMessage) ([]Extension, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var exts []Extension
	if err := json.Unmarshal(raw, &exts); err != nil {
		return nil, ErrInvalidExtensions
	}
	for _, e := range exts {
		if e.Name == "" || e.Value == "" {
			return nil, ErrInvalidExtensions
		}
		if _, ok := extensionOIDs[e.Name]; !ok {
			return nil, ErrInvalidExtensions
		}
	}
	return exts, nil
}

func BuildExtensions(exts []Extension) ([]pkix.Extension, error) {
	var out []pkix.Extension
	for _, e := range exts {
		oid, ok := extensionOIDs[e.Name]
		if !ok {
			return nil, ErrInvalidExtensions
		}
		der, err := asn1.MarshalWithParams(e.Value, "ia5")
		if err != nil {
			return nil, err
		}
		out = append(out, pkix.Extension{Id: oid, Critical: e.Critical, Value: der})
	}
	return out, nil
}

var keyLengths = map[string]int{
	"512":  512,
	"1024": 1024,
	"2048": 2048,
	"4096": 4096,
}

func GenerateKey(keyLength string) (*rsa.PrivateKey, error) {
	bits, ok := keyLengths[keyLength]
	if !ok {
		return nil, ErrUnknownKeyLength
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

func SignatureAlgorithm(digest string) (x509.SignatureAlgorithm, error) {
	switch digest {
	case "sha1":
		return x509.SHA1WithRSA, nil
	case "sha256":
		return x509.SHA256WithRSA, nil
	case "sha384":
		return x509.SHA384WithRSA, nil
	case "sha512":
		return x509.SHA512WithRSA, nil
	default:
		return x509.UnknownSignatureAlgorithm, ErrUnknownDigest
	}
}

// DigestFrom maps a certificate signature algorithm back to the digest name
// stored on the record. Algorithms outside the supported set map to an empty
// string so that imports never fail on them.
func DigestFrom(alg x509.SignatureAlgorithm) string {
	switch alg {
	case x509.SHA1WithRSA, x509.ECDSAWithSHA1:
		return "sha1"
	case x509.SHA256WithRSA, x509.SHA256WithRSAPSS, x509.ECDSAWithSHA256:
		return "sha256"
	case x509.SHA384WithRSA, x509.SHA384WithRSAPSS, x509.ECDSAWithSHA384:
		return "sha384"
	case x509.SHA512WithRSA, x509.SHA512WithRSAPSS, x509.ECDSAWithSHA512:
		return "sha512"
	default:
		return ""
	}
}

// KeyLengthFrom reports the public key size in bits, or an empty string for
// key types without a meaningful bit length.
func KeyLengthFrom(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return strconv.Itoa(k.N.BitLen())
	case *ecdsa.PublicKey:
		return strconv.Itoa(k.Curve.Params().BitSize)
	default:
		return ""
	}
}

var keyUsageNames = map[string]x509.KeyUsage{
	"digitalSignature": x509.KeyUsageDigitalSignature,
	"nonRepudiation":   x509.KeyUsageContentCommitment,
	"keyEncipherment":  x509.KeyUsageKeyEncipherment,
	"dataEncipherment": x509.KeyUsageDataEncipherment,
	"keyAgreement":     x509.KeyUsageKeyAgreement,
	"keyCertSign":      x509.KeyUsageCertSign,
	"cRLSign":          x509.KeyUsageCRLSign,
	"encipherOnly":     x509.KeyUsageEncipherOnly,
	"decipherOnly":     x509.KeyUsageDecipherOnly,
}

// ParseKeyUsage parses an OpenSSL style comma separated key usage string,
// e.g. "cRLSign, keyCertSign".
func ParseKeyUsage(value string) (x509.KeyUsage, error) {
	var usage x509.KeyUsage
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		bit, ok := keyUsageNames[name]
		if !ok {
			return 0, ErrUnknownKeyUsage
		}
		usage |= bit
	}
	return usage, nil
}

var (
	oidExtensionKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtensionBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
)

// KeyUsageExtension encodes the key usage bit string by hand so that the
// criticality stays configurable.
func KeyUsageExtension(usage x509.KeyUsage, critical bool) (pkix.Extension, error) {
	var bits [2]byte
	bitLen := 0
	for i := 0; i < 9; i++ {
		if usage&(1<<uint(i)) != 0 {
			bits[i/8] |= 0x80 >> uint(i%8)
			bitLen = i + 1
		}
	}
	der, err := asn1.Marshal(asn1.BitString{Bytes: bits[:(bitLen+7)/8], BitLength: bitLen})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidExtensionKeyUsage, Critical: critical, Value: der}, nil
}

// BasicConstraintsExtension encodes CA basic constraints. A nil pathLen
// omits the path length field entirely.
func BasicConstraintsExtension(isCA bool, pathLen *int, critical bool) (pkix.Extension, error) {
	var der []byte
	var err error
	if pathLen != nil {
		der, err = asn1.Marshal(struct {
			IsCA       bool `asn1:"optional"`
			MaxPathLen int  `asn1:"optional,default:-1"`
		}{isCA, *pathLen})
	} else {
		der, err = asn1.Marshal(struct {
			IsCA bool `asn1:"optional"`
		}{isCA})
	}
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidExtensionBasicConstraints, Critical: critical, Value: der}, nil
}

// SubjectKeyID computes the SHA-1 hash of the subject public key bit string.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var info struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil, err
	}
	sum := sha1.Sum(info.PublicKey.RightAlign())
	return sum[:], nil
}

// Subject builds a pkix.Name from record attributes, skipping empty ones.
// The email address travels in ExtraNames as an IA5 string.
func Subject(countryCode, state, city, organization, commonName, email string) pkix.Name {
	name := pkix.Name{CommonName: commonName}
	if countryCode != "" {
		name.Country = []string{countryCode}
	}
	if state != "" {
		name.Province = []string{state}
	}
	if city != "" {
		name.Locality = []string{city}
	}
	if organization != "" {
		name.Organization = []string{organization}
	}
	if email != "" {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidEmailAddress,
			Value: asn1.RawValue{Tag: asn1.TagIA5String, Bytes: []byte(email)},
		})
	}
	return name
}

// SubjectFields extracts the subject attributes of a certificate. Absent
// attributes come back as empty strings, so subjects with no attributes at
// all are handled without error.
func SubjectFields(cert *x509.Certificate) (countryCode, state, city, organization, email, commonName string) {
	countryCode = first(cert.Subject.Country)
	state = first(cert.Subject.Province)
	city = first(cert.Subject.Locality)
	organization = first(cert.Subject.Organization)
	commonName = cert.Subject.CommonName
	email = subjectEmail(cert)
	return
}

func first(values []string) string {
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

func subjectEmail(cert *x509.Certificate) string {
	for _, atv := range cert.Subject.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if s, ok := atv.Value.(string); ok {
				return s
			}
		}
	}
	if len(cert.EmailAddresses) > 0 {
		return cert.EmailAddresses[0]
	}
	return ""
}

// DistinguishedName renders an OpenSSL style subject line.
func DistinguishedName(cert *x509.Certificate) string {
	var dn bytes.Buffer
	countryCode, state, city, organization, email, commonName := SubjectFields(cert)
	if countryCode != "" {
		dn.WriteString("/C=" + countryCode)
	}
	if state != "" {
		dn.WriteString("/ST=" + state)
	}
	if city != "" {
		dn.WriteString("/L=" + city)
	}
	if organization != "" {
		dn.WriteString("/O=" + organization)
	}
	if len(cert.Subject.OrganizationalUnit) > 0 && cert.Subject.OrganizationalUnit[0] != "" {
		dn.WriteString("/OU=" + cert.Subject.OrganizationalUnit[0])
	}
	if commonName != "" {
		dn.WriteString("/CN=" + commonName)
	}
	if email != "" {
		dn.WriteString("/emailAddress=" + email)
	}
	return dn.String()
}

func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	pemBlock, _ := pem.Decode(certPEM)
	if err := utils.CheckPEMBlock(pemBlock, utils.CertPEMBlockType); err != nil {
		return nil, err
	}
	return x509.ParseCertificate(pemBlock.Bytes)
}

func ParsePrivateKeyPEM(keyPEM []byte) (crypto.Signer, error) {
	pemBlock, _ := pem.Decode(keyPEM)
	if pemBlock == nil {
		return nil, errors.New("cannot find the next PEM formatted block")
	}
	switch pemBlock.Type {
	case utils.KeyPEMBlockType:
		return x509.ParsePKCS1PrivateKey(pemBlock.Bytes)
	case utils.ECKeyPEMBlockType:
		return x509.ParseECPrivateKey(pemBlock.Bytes)
	case utils.PKCS8PEMBlockType:
		key, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", pemBlock.Type)
	}
}

func EncodeCertificatePEM(der []byte) []byte {
	return utils.EncodePEM(utils.CertPEMBlockType, der)
}

func EncodeKeyPEM(key crypto.Signer) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return utils.EncodePEM(utils.KeyPEMBlockType, x509.MarshalPKCS1PrivateKey(k)), nil
	default:
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		return utils.EncodePEM(utils.PKCS8PEMBlockType, der), nil
	}
}

// KeyMatches reports whether the private key belongs to the certificate.
func KeyMatches(key crypto.Signer, cert *x509.Certificate) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := key.Public().(equaler)
	if !ok {
		return false
	}
	return pub.Equal(cert.PublicKey)
}
