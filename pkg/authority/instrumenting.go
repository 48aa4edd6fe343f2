package authority

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/openwisp/x509-authority/pkg/depot"
)

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

func NewInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) Middleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   counter,
			requestLatency: latency,
			next:           next,
		}
	}
}

func (mw *instrumentingMiddleware) instrument(begin time.Time, method string, err error) {
	lvs := []string{"method", method, "error", fmt.Sprint(err != nil)}
	mw.requestCount.With(lvs...).Add(1)
	mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

func (mw *instrumentingMiddleware) Health(ctx context.Context) bool {
	defer func(begin time.Time) {
		mw.instrument(begin, "Health", nil)
	}(time.Now())
	return mw.next.Health(ctx)
}

func (mw *instrumentingMiddleware) CreateCA(ctx context.Context, req CARequest) (ca *depot.CA, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "CreateCA", err)
	}(time.Now())
	return mw.next.CreateCA(ctx, req)
}

func (mw *instrumentingMiddleware) ImportCA(ctx context.Context, name string, certPEM []byte, keyPEM []byte) (ca *depot.CA, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "ImportCA", err)
	}(time.Now())
	return mw.next.ImportCA(ctx, name, certPEM, keyPEM)
}

func (mw *instrumentingMiddleware) GetCA(ctx context.Context, name string) (ca *depot.CA, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "GetCA", err)
	}(time.Now())
	return mw.next.GetCA(ctx, name)
}

func (mw *instrumentingMiddleware) ListCAs(ctx context.Context, filter depot.CAFilter) (cas []depot.CA, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "ListCAs", err)
	}(time.Now())
	return mw.next.ListCAs(ctx, filter)
}

func (mw *instrumentingMiddleware) CreateCert(ctx context.Context, caName string, req CertRequest) (crt *depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "CreateCert", err)
	}(time.Now())
	return mw.next.CreateCert(ctx, caName, req)
}

func (mw *instrumentingMiddleware) ImportCert(ctx context.Context, caName string, name string, certPEM []byte, keyPEM []byte) (crt *depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "ImportCert", err)
	}(time.Now())
	return mw.next.ImportCert(ctx, caName, name, certPEM, keyPEM)
}

func (mw *instrumentingMiddleware) GetCert(ctx context.Context, caName string, serial *big.Int) (crt *depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "GetCert", err)
	}(time.Now())
	return mw.next.GetCert(ctx, caName, serial)
}

func (mw *instrumentingMiddleware) ListCerts(ctx context.Context, filter depot.CertFilter) (certs []depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "ListCerts", err)
	}(time.Now())
	return mw.next.ListCerts(ctx, filter)
}

func (mw *instrumentingMiddleware) RevokeCert(ctx context.Context, caName string, serial *big.Int) (crt *depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "RevokeCert", err)
	}(time.Now())
	return mw.next.RevokeCert(ctx, caName, serial)
}

func (mw *instrumentingMiddleware) GetCRL(ctx context.Context, caName string) (crl []byte, err error) {
	defer func(begin time.Time) {
		mw.instrument(begin, "GetCRL", err)
	}(time.Now())
	return mw.next.GetCRL(ctx, caName)
}
