package authority

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/kit/log"
	stdopentracing "github.com/opentracing/opentracing-go"
)

func setupHandler(t *testing.T) http.Handler {
	t.Helper()
	stu := setup(t)
	policy := CRLPolicy{Protected: true, Token: "letmein"}
	return MakeHTTPHandler(stu.svc, log.NewNopLogger(), policy, stdopentracing.NoopTracer{})
}

func do(t *testing.T, h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h := setupHandler(t)
	rec := do(t, h, "GET", "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Got status %d; want %d", rec.Code, http.StatusOK)
	}
	var resp struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Unable to decode health response: %s", err)
	}
	if !resp.Healthy {
		t.Error("Service should report healthy")
	}
}

func TestCALifecycleOverHTTP(t *testing.T) {
	h := setupHandler(t)

	rec := do(t, h, "POST", "/v1/cas", `{"name": "default", "key_length": "512", "common_name": "ca.acme.com"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Got status %d; want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	var created struct {
		CA struct {
			Name         string `json:"name"`
			SerialNumber string `json:"serial_number"`
			URL          string `json:"url"`
		} `json:"ca"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("Unable to decode CA response: %s", err)
	}
	if created.CA.Name != "default" || created.CA.SerialNumber != "1" {
		t.Errorf("Got CA %+v; want default with serial 1", created.CA)
	}
	if created.CA.URL != "/v1/cas/default" {
		t.Errorf("Got URL %s; want /v1/cas/default", created.CA.URL)
	}

	rec = do(t, h, "GET", "/v1/cas/default", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusOK)
	}
	rec = do(t, h, "GET", "/v1/cas/missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusNotFound)
	}
	rec = do(t, h, "POST", "/v1/cas", `{"name": "default"`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusBadRequest)
	}
	rec = do(t, h, "POST", "/v1/cas", `{"name": "default", "common_name": "ca.acme.com"}`, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusConflict)
	}
}

func TestImportCertConflict(t *testing.T) {
	h := setupHandler(t)

	rec := do(t, h, "POST", "/v1/cas", `{"name": "default", "key_length": "512", "common_name": "ca.acme.com"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Got status %d; want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	body, err := json.Marshal(map[string]string{"certificate": string(readTestData(t, "imported.crt"))})
	if err != nil {
		t.Fatalf("Unable to encode import request: %s", err)
	}

	rec = do(t, h, "POST", "/v1/cas/default/certs/import", string(body), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Got status %d; want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	rec = do(t, h, "POST", "/v1/cas/default/certs/import", string(body), "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusConflict)
	}
}

func TestCRLProtection(t *testing.T) {
	h := setupHandler(t)

	rec := do(t, h, "GET", "/v1/cas/default/crl", "", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusForbidden)
	}
	rec = do(t, h, "GET", "/v1/cas/default/crl", "", "wrong")
	if rec.Code != http.StatusForbidden {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusForbidden)
	}
	// right token, CA does not exist yet
	rec = do(t, h, "GET", "/v1/cas/default/crl", "", "letmein")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusNotFound)
	}

	do(t, h, "POST", "/v1/cas", `{"name": "default", "key_length": "512", "common_name": "ca.acme.com"}`, "")
	rec = do(t, h, "GET", "/v1/cas/default/crl", "", "letmein")
	if rec.Code != http.StatusOK {
		t.Fatalf("Got status %d; want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-pem-file" {
		t.Errorf("Got content type %s; want application/x-pem-file", ct)
	}
	if !strings.Contains(rec.Body.String(), "-----BEGIN X509 CRL-----") {
		t.Error("Response should carry a PEM encoded CRL")
	}
}

func TestBadRequestDecoding(t *testing.T) {
	h := setupHandler(t)

	rec := do(t, h, "GET", "/v1/cas/default/certs/xyz", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusBadRequest)
	}
	rec = do(t, h, "PUT", "/v1/cas/default/certs/xyz/revoke", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusBadRequest)
	}
	rec = do(t, h, "GET", "/v1/certs?revoked=banana", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupHandler(t)
	rec := do(t, h, "GET", "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Got status %d; want %d", rec.Code, http.StatusOK)
	}
}
