package authority

import (
	"context"
	"math/big"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/openwisp/x509-authority/pkg/depot"
)

type Middleware func(Service) Service

func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger log.Logger
}

func (mw loggingMiddleware) Health(ctx context.Context) (healthy bool) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Health",
			"healthy", healthy,
			"took", time.Since(begin),
		)
	}(time.Now())
	return mw.next.Health(ctx)
}

func (mw loggingMiddleware) CreateCA(ctx context.Context, req CARequest) (ca *depot.CA, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "CreateCA",
			"ca_name", req.Name,
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.CreateCA(ctx, req)
}

func (mw loggingMiddleware) ImportCA(ctx context.Context, name string, certPEM []byte, keyPEM []byte) (ca *depot.CA, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ImportCA",
			"ca_name", name,
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.ImportCA(ctx, name, certPEM, keyPEM)
}

func (mw loggingMiddleware) GetCA(ctx context.Context, name string) (ca *depot.CA, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetCA",
			"ca_name", name,
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.GetCA(ctx, name)
}

func (mw loggingMiddleware) ListCAs(ctx context.Context, filter depot.CAFilter) (cas []depot.CA, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ListCAs",
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.ListCAs(ctx, filter)
}

func (mw loggingMiddleware) CreateCert(ctx context.Context, caName string, req CertRequest) (crt *depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "CreateCert",
			"ca_name", caName,
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.CreateCert(ctx, caName, req)
}

func (mw loggingMiddleware) ImportCert(ctx context.Context, caName string, name string, certPEM []byte, keyPEM []byte) (crt *depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ImportCert",
			"ca_name", caName,
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.ImportCert(ctx, caName, name, certPEM, keyPEM)
}

func (mw loggingMiddleware) GetCert(ctx context.Context, caName string, serial *big.Int) (crt *depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetCert",
			"ca_name", caName,
			"serial", depot.FormatSerial(serial),
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.GetCert(ctx, caName, serial)
}

func (mw loggingMiddleware) ListCerts(ctx context.Context, filter depot.CertFilter) (certs []depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ListCerts",
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.ListCerts(ctx, filter)
}

func (mw loggingMiddleware) RevokeCert(ctx context.Context, caName string, serial *big.Int) (crt *depot.Cert, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "RevokeCert",
			"ca_name", caName,
			"serial", depot.FormatSerial(serial),
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.RevokeCert(ctx, caName, serial)
}

func (mw loggingMiddleware) GetCRL(ctx context.Context, caName string) (crl []byte, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetCRL",
			"ca_name", caName,
			"took", time.Since(begin),
			"err", err)
	}(time.Now())
	return mw.next.GetCRL(ctx, caName)
}
