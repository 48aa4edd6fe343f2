package authority

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/openwisp/x509-authority/pkg/depot"
	"github.com/openwisp/x509-authority/pkg/x509util"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/tracing/opentracing"

	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	stdopentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gorilla/mux"
)

var (
	ErrInvalidJSON      = errors.New("error decoding JSON body")
	ErrSerialParsing    = errors.New("error parsing serial number")
	ErrCRLAccessDenied  = errors.New("CRL download is protected")
	ErrRevokedFiltering = errors.New("revoked must be true or false")
)

type errorer interface {
	error() error
}

// CRLPolicy controls access to the CRL endpoint. When Protected is set, the
// request must carry the token as a bearer credential.
type CRLPolicy struct {
	Protected bool
	Token     string
}

func MakeHTTPHandler(s Service, logger log.Logger, crlPolicy CRLPolicy, otTracer stdopentracing.Tracer) http.Handler {
	r := mux.NewRouter()
	e := MakeServerEndpoints(s, otTracer)

	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
	}

	r.Methods("GET").Path("/health").Handler(httptransport.NewServer(
		e.HealthEndpoint,
		decodeHealthRequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "Health", logger)))...,
	))

	r.Methods("GET").Path("/metrics").Handler(promhttp.Handler())

	r.Methods("POST").Path("/v1/cas").Handler(httptransport.NewServer(
		e.CreateCAEndpoint,
		decodeCreateCARequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "CreateCA", logger)))...,
	))

	r.Methods("POST").Path("/v1/cas/import").Handler(httptransport.NewServer(
		e.ImportCAEndpoint,
		decodeImportCARequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "ImportCA", logger)))...,
	))

	r.Methods("GET").Path("/v1/cas").Handler(httptransport.NewServer(
		e.ListCAsEndpoint,
		decodeListCAsRequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "ListCAs", logger)))...,
	))

	r.Methods("GET").Path("/v1/cas/{caName}").Handler(httptransport.NewServer(
		e.GetCAEndpoint,
		decodeGetCARequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetCA", logger)))...,
	))

	r.Methods("GET").Path("/v1/cas/{caName}/crl").Handler(httptransport.NewServer(
		e.CRLEndpoint,
		decodeCRLRequest(crlPolicy),
		encodeCRLResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetCRL", logger)))...,
	))

	r.Methods("POST").Path("/v1/cas/{caName}/certs").Handler(httptransport.NewServer(
		e.CreateCertEndpoint,
		decodeCreateCertRequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "CreateCert", logger)))...,
	))

	r.Methods("POST").Path("/v1/cas/{caName}/certs/import").Handler(httptransport.NewServer(
		e.ImportCertEndpoint,
		decodeImportCertRequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "ImportCert", logger)))...,
	))

	r.Methods("GET").Path("/v1/certs").Handler(httptransport.NewServer(
		e.ListCertsEndpoint,
		decodeListCertsRequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "ListCerts", logger)))...,
	))

	r.Methods("GET").Path("/v1/cas/{caName}/certs/{serial}").Handler(httptransport.NewServer(
		e.GetCertEndpoint,
		decodeGetCertRequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "GetCert", logger)))...,
	))

	r.Methods("PUT").Path("/v1/cas/{caName}/certs/{serial}/revoke").Handler(httptransport.NewServer(
		e.RevokeCertEndpoint,
		decodeRevokeCertRequest,
		encodeJSONResponse,
		append(options, httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, "RevokeCert", logger)))...,
	))

	return r
}

func decodeHealthRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req healthRequest
	return req, nil
}

func decodeCreateCARequest(ctx context.Context, r *http.Request) (interface{}, error) {
	var ca CARequest
	if err := json.NewDecoder(r.Body).Decode(&ca); err != nil {
		return nil, ErrInvalidJSON
	}
	defer r.Body.Close()
	return createCARequest{CA: ca}, nil
}

func decodeImportCARequest(ctx context.Context, r *http.Request) (interface{}, error) {
	var req importCARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, ErrInvalidJSON
	}
	defer r.Body.Close()
	return req, nil
}

func decodeGetCARequest(ctx context.Context, r *http.Request) (interface{}, error) {
	vars := mux.Vars(r)
	return getCARequest{Name: vars["caName"]}, nil
}

func decodeListCAsRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	return listCAsRequest{Filter: depot.CAFilter{
		KeyLength: q.Get("key_length"),
		Digest:    q.Get("digest"),
	}}, nil
}

func decodeCRLRequest(policy CRLPolicy) httptransport.DecodeRequestFunc {
	return func(ctx context.Context, r *http.Request) (interface{}, error) {
		if policy.Protected {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if policy.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(policy.Token)) != 1 {
				return nil, ErrCRLAccessDenied
			}
		}
		vars := mux.Vars(r)
		return crlRequest{CAName: vars["caName"]}, nil
	}
}

func decodeCreateCertRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	vars := mux.Vars(r)
	var crt CertRequest
	if err := json.NewDecoder(r.Body).Decode(&crt); err != nil {
		return nil, ErrInvalidJSON
	}
	defer r.Body.Close()
	return createCertRequest{CAName: vars["caName"], Cert: crt}, nil
}

func decodeImportCertRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	vars := mux.Vars(r)
	var req importCertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, ErrInvalidJSON
	}
	defer r.Body.Close()
	req.CAName = vars["caName"]
	return req, nil
}

func decodeListCertsRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	filter := depot.CertFilter{
		CA:        q.Get("ca"),
		KeyLength: q.Get("key_length"),
		Digest:    q.Get("digest"),
	}
	if v := q.Get("revoked"); v != "" {
		switch v {
		case "true":
			revoked := true
			filter.Revoked = &revoked
		case "false":
			revoked := false
			filter.Revoked = &revoked
		default:
			return nil, ErrRevokedFiltering
		}
	}
	return listCertsRequest{Filter: filter}, nil
}

func decodeGetCertRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	vars := mux.Vars(r)
	serial, err := depot.ParseSerial(vars["serial"])
	if err != nil {
		return nil, ErrSerialParsing
	}
	return getCertRequest{CAName: vars["caName"], Serial: serial}, nil
}

func decodeRevokeCertRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	vars := mux.Vars(r)
	serial, err := depot.ParseSerial(vars["serial"])
	if err != nil {
		return nil, ErrSerialParsing
	}
	return revokeCertRequest{CAName: vars["caName"], Serial: serial}, nil
}

func encodeJSONResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	if e, ok := response.(errorer); ok && e.error() != nil {
		encodeError(ctx, e.error(), w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(response)
}

func encodeCRLResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	if e, ok := response.(errorer); ok && e.error() != nil {
		encodeError(ctx, e.error(), w)
		return nil
	}
	resp := response.(crlResponse)
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(resp.CRL)
	return nil
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		panic("encodeError with nil error")
	}
	http.Error(w, err.Error(), codeFrom(err))
}

func codeFrom(err error) int {
	switch err {
	case ErrCANotFound, ErrCertNotFound:
		return http.StatusNotFound
	case ErrCAExists, ErrCertExists:
		return http.StatusConflict
	case ErrCRLAccessDenied:
		return http.StatusForbidden
	case ErrInvalidJSON, ErrSerialParsing, ErrRevokedFiltering, ErrNameRequired,
		ErrPrivateKeyRequired, ErrInvalidCertificate, ErrInvalidPrivateKey, ErrKeyMismatch:
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, x509util.ErrInvalidExtensions),
		errors.Is(err, x509util.ErrUnknownKeyLength),
		errors.Is(err, x509util.ErrUnknownDigest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
