package authority

import (
	"context"
	"math/big"
	"time"

	"github.com/openwisp/x509-authority/pkg/depot"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/tracing/opentracing"
	stdopentracing "github.com/opentracing/opentracing-go"
)

type Endpoints struct {
	HealthEndpoint     endpoint.Endpoint
	CreateCAEndpoint   endpoint.Endpoint
	ImportCAEndpoint   endpoint.Endpoint
	GetCAEndpoint      endpoint.Endpoint
	ListCAsEndpoint    endpoint.Endpoint
	CRLEndpoint        endpoint.Endpoint
	CreateCertEndpoint endpoint.Endpoint
	ImportCertEndpoint endpoint.Endpoint
	GetCertEndpoint    endpoint.Endpoint
	ListCertsEndpoint  endpoint.Endpoint
	RevokeCertEndpoint endpoint.Endpoint
}

func MakeServerEndpoints(s Service, otTracer stdopentracing.Tracer) Endpoints {
	var healthEndpoint endpoint.Endpoint
	{
		healthEndpoint = MakeHealthEndpoint(s)
		healthEndpoint = opentracing.TraceServer(otTracer, "Health")(healthEndpoint)
	}
	var createCAEndpoint endpoint.Endpoint
	{
		createCAEndpoint = MakeCreateCAEndpoint(s)
		createCAEndpoint = opentracing.TraceServer(otTracer, "CreateCA")(createCAEndpoint)
	}
	var importCAEndpoint endpoint.Endpoint
	{
		importCAEndpoint = MakeImportCAEndpoint(s)
		importCAEndpoint = opentracing.TraceServer(otTracer, "ImportCA")(importCAEndpoint)
	}
	var getCAEndpoint endpoint.Endpoint
	{
		getCAEndpoint = MakeGetCAEndpoint(s)
		getCAEndpoint = opentracing.TraceServer(otTracer, "GetCA")(getCAEndpoint)
	}
	var listCAsEndpoint endpoint.Endpoint
	{
		listCAsEndpoint = MakeListCAsEndpoint(s)
		listCAsEndpoint = opentracing.TraceServer(otTracer, "ListCAs")(listCAsEndpoint)
	}
	var crlEndpoint endpoint.Endpoint
	{
		crlEndpoint = MakeCRLEndpoint(s)
		crlEndpoint = opentracing.TraceServer(otTracer, "GetCRL")(crlEndpoint)
	}
	var createCertEndpoint endpoint.Endpoint
	{
		createCertEndpoint = MakeCreateCertEndpoint(s)
		createCertEndpoint = opentracing.TraceServer(otTracer, "CreateCert")(createCertEndpoint)
	}
	var importCertEndpoint endpoint.Endpoint
	{
		importCertEndpoint = MakeImportCertEndpoint(s)
		importCertEndpoint = opentracing.TraceServer(otTracer, "ImportCert")(importCertEndpoint)
	}
	var getCertEndpoint endpoint.Endpoint
	{
		getCertEndpoint = MakeGetCertEndpoint(s)
		getCertEndpoint = opentracing.TraceServer(otTracer, "GetCert")(getCertEndpoint)
	}
	var listCertsEndpoint endpoint.Endpoint
	{
		listCertsEndpoint = MakeListCertsEndpoint(s)
		listCertsEndpoint = opentracing.TraceServer(otTracer, "ListCerts")(listCertsEndpoint)
	}
	var revokeCertEndpoint endpoint.Endpoint
	{
		revokeCertEndpoint = MakeRevokeCertEndpoint(s)
		revokeCertEndpoint = opentracing.TraceServer(otTracer, "RevokeCert")(revokeCertEndpoint)
	}
	return Endpoints{
		HealthEndpoint:     healthEndpoint,
		CreateCAEndpoint:   createCAEndpoint,
		ImportCAEndpoint:   importCAEndpoint,
		GetCAEndpoint:      getCAEndpoint,
		ListCAsEndpoint:    listCAsEndpoint,
		CRLEndpoint:        crlEndpoint,
		CreateCertEndpoint: createCertEndpoint,
		ImportCertEndpoint: importCertEndpoint,
		GetCertEndpoint:    getCertEndpoint,
		ListCertsEndpoint:  listCertsEndpoint,
		RevokeCertEndpoint: revokeCertEndpoint,
	}
}

func MakeHealthEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		healthy := s.Health(ctx)
		return healthResponse{Healthy: healthy}, nil
	}
}

func MakeCreateCAEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(createCARequest)
		ca, err := s.CreateCA(ctx, req.CA)
		return caResponse{CA: makeCAView(ca), Err: err}, nil
	}
}

func MakeImportCAEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(importCARequest)
		ca, err := s.ImportCA(ctx, req.Name, []byte(req.Certificate), []byte(req.PrivateKey))
		return caResponse{CA: makeCAView(ca), Err: err}, nil
	}
}

func MakeGetCAEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(getCARequest)
		ca, err := s.GetCA(ctx, req.Name)
		return caResponse{CA: makeCAView(ca), Err: err}, nil
	}
}

func MakeListCAsEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(listCAsRequest)
		cas, err := s.ListCAs(ctx, req.Filter)
		resp := listCAsResponse{CAs: []caView{}, Err: err}
		for i := range cas {
			resp.CAs = append(resp.CAs, *makeCAView(&cas[i]))
		}
		return resp, nil
	}
}

func MakeCRLEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(crlRequest)
		crl, err := s.GetCRL(ctx, req.CAName)
		return crlResponse{CRL: crl, Err: err}, nil
	}
}

func MakeCreateCertEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(createCertRequest)
		crt, err := s.CreateCert(ctx, req.CAName, req.Cert)
		return certResponse{Cert: makeCertView(crt), Err: err}, nil
	}
}

func MakeImportCertEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(importCertRequest)
		crt, err := s.ImportCert(ctx, req.CAName, req.Name, []byte(req.Certificate), []byte(req.PrivateKey))
		return certResponse{Cert: makeCertView(crt), Err: err}, nil
	}
}

func MakeGetCertEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(getCertRequest)
		crt, err := s.GetCert(ctx, req.CAName, req.Serial)
		return certResponse{Cert: makeCertView(crt), Err: err}, nil
	}
}

func MakeListCertsEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(listCertsRequest)
		certs, err := s.ListCerts(ctx, req.Filter)
		resp := listCertsResponse{Certs: []certView{}, Err: err}
		for i := range certs {
			resp.Certs = append(resp.Certs, *makeCertView(&certs[i]))
		}
		return resp, nil
	}
}

func MakeRevokeCertEndpoint(s Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(revokeCertRequest)
		crt, err := s.RevokeCert(ctx, req.CAName, req.Serial)
		return certResponse{Cert: makeCertView(crt), Err: err}, nil
	}
}

type healthRequest struct{}

type healthResponse struct {
	Healthy bool  `json:"healthy,omitempty"`
	Err     error `json:"err,omitempty"`
}

type createCARequest struct {
	CA CARequest
}

type importCARequest struct {
	Name        string `json:"name"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

type getCARequest struct {
	Name string
}

type listCAsRequest struct {
	Filter depot.CAFilter
}

type crlRequest struct {
	CAName string
}

type createCertRequest struct {
	CAName string
	Cert   CertRequest
}

type importCertRequest struct {
	CAName      string
	Name        string `json:"name"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

type getCertRequest struct {
	CAName string
	Serial *big.Int
}

type listCertsRequest struct {
	Filter depot.CertFilter
}

type revokeCertRequest struct {
	CAName string
	Serial *big.Int
}

// caView is the JSON rendering of a CA record.
type caView struct {
	Name          string    `json:"name"`
	KeyLength     string    `json:"key_length"`
	Digest        string    `json:"digest"`
	SerialNumber  string    `json:"serial_number"`
	ValidityStart time.Time `json:"validity_start"`
	ValidityEnd   time.Time `json:"validity_end"`
	CountryCode   string    `json:"country_code"`
	State         string    `json:"state"`
	City          string    `json:"city"`
	Organization  string    `json:"organization"`
	Email         string    `json:"email"`
	CommonName    string    `json:"common_name"`
	DN            string    `json:"dn"`
	Certificate   string    `json:"certificate"`
	URL           string    `json:"url"`
	Created       time.Time `json:"created"`
	Modified      time.Time `json:"modified"`
}

// certView adds the issuing CA name and a navigational link to it.
type certView struct {
	Name          string     `json:"name"`
	CA            string     `json:"ca"`
	CAURL         string     `json:"ca_url"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	KeyLength     string     `json:"key_length"`
	Digest        string     `json:"digest"`
	SerialNumber  string     `json:"serial_number"`
	ValidityStart time.Time  `json:"validity_start"`
	ValidityEnd   time.Time  `json:"validity_end"`
	CountryCode   string     `json:"country_code"`
	State         string     `json:"state"`
	City          string     `json:"city"`
	Organization  string     `json:"organization"`
	Email         string     `json:"email"`
	CommonName    string     `json:"common_name"`
	DN            string     `json:"dn"`
	Certificate   string     `json:"certificate"`
	PrivateKey    string     `json:"private_key,omitempty"`
	Created       time.Time  `json:"created"`
	Modified      time.Time  `json:"modified"`
}

func makeCAView(ca *depot.CA) *caView {
	if ca == nil {
		return nil
	}
	return &caView{
		Name:          ca.Name,
		KeyLength:     ca.KeyLength,
		Digest:        ca.Digest,
		SerialNumber:  depot.FormatSerial(ca.SerialNumber),
		ValidityStart: ca.ValidityStart,
		ValidityEnd:   ca.ValidityEnd,
		CountryCode:   ca.CountryCode,
		State:         ca.State,
		City:          ca.City,
		Organization:  ca.Organization,
		Email:         ca.Email,
		CommonName:    ca.CommonName,
		DN:            ca.DistinguishedName,
		Certificate:   ca.Certificate,
		URL:           "/v1/cas/" + ca.Name,
		Created:       ca.Created,
		Modified:      ca.Modified,
	}
}

func makeCertView(crt *depot.Cert) *certView {
	if crt == nil {
		return nil
	}
	view := &certView{
		Name:          crt.Name,
		CA:            crt.CA,
		CAURL:         "/v1/cas/" + crt.CA,
		Revoked:       crt.Revoked(),
		KeyLength:     crt.KeyLength,
		Digest:        crt.Digest,
		SerialNumber:  depot.FormatSerial(crt.SerialNumber),
		ValidityStart: crt.ValidityStart,
		ValidityEnd:   crt.ValidityEnd,
		CountryCode:   crt.CountryCode,
		State:         crt.State,
		City:          crt.City,
		Organization:  crt.Organization,
		Email:         crt.Email,
		CommonName:    crt.CommonName,
		DN:            crt.DistinguishedName,
		Certificate:   crt.Certificate,
		PrivateKey:    crt.PrivateKey,
		Created:       crt.Created,
		Modified:      crt.Modified,
	}
	if crt.Revoked() {
		revokedAt := crt.RevokedAt
		view.RevokedAt = &revokedAt
	}
	return view
}

type caResponse struct {
	CA  *caView `json:"ca,omitempty"`
	Err error   `json:"err,omitempty"`
}

func (r caResponse) error() error { return r.Err }

type listCAsResponse struct {
	CAs []caView `json:"cas"`
	Err error    `json:"err,omitempty"`
}

func (r listCAsResponse) error() error { return r.Err }

type certResponse struct {
	Cert *certView `json:"cert,omitempty"`
	Err  error     `json:"err,omitempty"`
}

func (r certResponse) error() error { return r.Err }

type listCertsResponse struct {
	Certs []certView `json:"certs"`
	Err   error      `json:"err,omitempty"`
}

func (r listCertsResponse) error() error { return r.Err }

type crlResponse struct {
	CRL []byte
	Err error
}

func (r crlResponse) error() error { return r.Err }
