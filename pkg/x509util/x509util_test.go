package x509util

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtensions(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		err  error
	}{
		{"Valid list", `[{"name": "nsComment", "critical": false, "value": "this is a comment"}]`, nil},
		{"Empty input", ``, nil},
		{"Not a list", `{"name": "nsComment", "critical": false, "value": "comment"}`, ErrInvalidExtensions},
		{"Missing value", `[{"name": "nsComment", "critical": false}]`, ErrInvalidExtensions},
		{"Missing name", `[{"critical": false, "value": "comment"}]`, ErrInvalidExtensions},
		{"Unknown name", `[{"name": "subjectAltName", "critical": false, "value": "DNS:acme.com"}]`, ErrInvalidExtensions},
		{"Not JSON at all", `['a']`, ErrInvalidExtensions},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseExtensions(json.RawMessage(tc.raw))
			assert.Equal(t, tc.err, err)
		})
	}
}

func TestBuildExtensions(t *testing.T) {
	exts, err := ParseExtensions(json.RawMessage(`[{"name": "nsComment", "critical": true, "value": "autogenerated"}]`))
	require.NoError(t, err)
	built, err := BuildExtensions(exts)
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, asn1.ObjectIdentifier{2, 16, 840, 1, 113730, 1, 13}, built[0].Id)
	assert.True(t, built[0].Critical)

	var value string
	_, err = asn1.UnmarshalWithParams(built[0].Value, &value, "ia5")
	require.NoError(t, err)
	assert.Equal(t, "autogenerated", value)
}

func TestParseKeyUsage(t *testing.T) {
	usage, err := ParseKeyUsage("cRLSign, keyCertSign")
	require.NoError(t, err)
	assert.Equal(t, x509.KeyUsageCRLSign|x509.KeyUsageCertSign, usage)

	usage, err = ParseKeyUsage("digitalSignature, keyEncipherment")
	require.NoError(t, err)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, usage)

	_, err = ParseKeyUsage("digitalSignature, flying")
	assert.Equal(t, ErrUnknownKeyUsage, err)
}

func TestKeyUsageExtension(t *testing.T) {
	ext, err := KeyUsageExtension(x509.KeyUsageCRLSign|x509.KeyUsageCertSign, true)
	require.NoError(t, err)
	assert.True(t, ext.Critical)
	assert.Equal(t, []byte{0x03, 0x02, 0x01, 0x06}, ext.Value)

	ext, err = KeyUsageExtension(x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, false)
	require.NoError(t, err)
	assert.False(t, ext.Critical)
	assert.Equal(t, []byte{0x03, 0x02, 0x05, 0xa0}, ext.Value)
}

func TestBasicConstraintsExtension(t *testing.T) {
	pathLen := 0
	ext, err := BasicConstraintsExtension(true, &pathLen, true)
	require.NoError(t, err)
	assert.True(t, ext.Critical)
	assert.Equal(t, []byte{0x30, 0x06, 0x01, 0x01, 0xff, 0x02, 0x01, 0x00}, ext.Value)

	ext, err = BasicConstraintsExtension(true, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x03, 0x01, 0x01, 0xff}, ext.Value)

	ext, err = BasicConstraintsExtension(false, nil, false)
	require.NoError(t, err)
	assert.False(t, ext.Critical)
	assert.Equal(t, []byte{0x30, 0x00}, ext.Value)
}

func TestSignatureAlgorithm(t *testing.T) {
	alg, err := SignatureAlgorithm("sha256")
	require.NoError(t, err)
	assert.Equal(t, x509.SHA256WithRSA, alg)

	_, err = SignatureAlgorithm("md5")
	assert.Equal(t, ErrUnknownDigest, err)
}

func TestDigestFrom(t *testing.T) {
	assert.Equal(t, "sha1", DigestFrom(x509.SHA1WithRSA))
	assert.Equal(t, "sha512", DigestFrom(x509.ECDSAWithSHA512))
	assert.Equal(t, "", DigestFrom(x509.MD5WithRSA))
}

func TestGenerateKeyUnknownLength(t *testing.T) {
	_, err := GenerateKey("768")
	assert.Equal(t, ErrUnknownKeyLength, err)
}

func TestSubjectEmailTravelsAsIA5(t *testing.T) {
	cert := selfSigned(t, Subject("US", "CA", "San Francisco", "ACME", "importtest", "contact@acme.com"))

	email := []byte("contact@acme.com")
	assert.True(t, bytes.Contains(cert.RawSubject, append([]byte{0x16, byte(len(email))}, email...)),
		"email address should be an IA5String in the subject")

	countryCode, state, city, organization, emailField, commonName := SubjectFields(cert)
	assert.Equal(t, "US", countryCode)
	assert.Equal(t, "CA", state)
	assert.Equal(t, "San Francisco", city)
	assert.Equal(t, "ACME", organization)
	assert.Equal(t, "contact@acme.com", emailField)
	assert.Equal(t, "importtest", commonName)

	assert.Equal(t, "/C=US/ST=CA/L=San Francisco/O=ACME/CN=importtest/emailAddress=contact@acme.com",
		DistinguishedName(cert))
}

func TestSubjectFieldsEmptySubject(t *testing.T) {
	cert := selfSigned(t, Subject("", "", "", "", "", ""))

	countryCode, state, city, organization, email, commonName := SubjectFields(cert)
	assert.Equal(t, "", countryCode)
	assert.Equal(t, "", state)
	assert.Equal(t, "", city)
	assert.Equal(t, "", organization)
	assert.Equal(t, "", email)
	assert.Equal(t, "", commonName)
	assert.Equal(t, "", DistinguishedName(cert))
}

func TestKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKey("512")
	require.NoError(t, err)

	keyPEM, err := EncodeKeyPEM(key)
	require.NoError(t, err)
	parsed, err := ParsePrivateKeyPEM(keyPEM)
	require.NoError(t, err)

	rsaKey, ok := parsed.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, key.Equal(rsaKey))
	assert.Equal(t, "512", KeyLengthFrom(parsed.Public()))
}

func TestKeyMatches(t *testing.T) {
	key, err := GenerateKey("512")
	require.NoError(t, err)
	cert := selfSignedWithKey(t, Subject("", "", "", "", "match", ""), key)
	assert.True(t, KeyMatches(key, cert))

	other, err := GenerateKey("512")
	require.NoError(t, err)
	assert.False(t, KeyMatches(other, cert))
}

func selfSigned(t *testing.T, subject pkix.Name) *x509.Certificate {
	t.Helper()
	key, err := GenerateKey("512")
	require.NoError(t, err)
	return selfSignedWithKey(t, subject, key)
}

func selfSignedWithKey(t *testing.T, subject pkix.Name, key *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
