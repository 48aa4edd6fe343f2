package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/openwisp/x509-authority/pkg/authority"
	"github.com/openwisp/x509-authority/pkg/depot"
	"github.com/openwisp/x509-authority/pkg/depot/relational"
	"github.com/openwisp/x509-authority/pkg/depot/sqlite"
	"github.com/openwisp/x509-authority/pkg/discovery/consul"
	secrets "github.com/openwisp/x509-authority/pkg/secrets/ca"
	secretsfile "github.com/openwisp/x509-authority/pkg/secrets/ca/file"
	"github.com/openwisp/x509-authority/pkg/secrets/ca/vault"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	jaegercfg "github.com/uber/jaeger-client-go/config"

	_ "github.com/lib/pq"
)

func main() {
	var (
		flAddress = flag.String("bind", envString("X509_ADDRESS", ""), "bind address")
		flPort    = flag.String("port", envString("X509_PORT", "8087"), "listening port")
		flSsl     = flag.Bool("ssl", envBool("X509_SSL"), "serve over TLS")
		flSslCert = flag.String("sslcert", envString("X509_SSL_CERT", ""), "TLS certificate file")
		flSslKey  = flag.String("sslkey", envString("X509_SSL_KEY", ""), "TLS key file")

		flDepotDriver = flag.String("depot", envString("X509_DEPOT", "sqlite"), "records depot driver: sqlite or postgres")
		flDepotDSN    = flag.String("depotdsn", envString("X509_DEPOT_DSN", "x509.db"), "records depot data source name")

		flSecrets       = flag.String("secrets", envString("X509_SECRETS", "file"), "CA key store: file or vault")
		flKeyDir        = flag.String("keydir", envString("X509_KEY_DIR", "keys"), "CA key directory for the file store")
		flVaultRoleId   = flag.String("vaultRoleId", envString("X509_VAULT_ROLEID", ""), "Vault role ID")
		flVaultSecretId = flag.String("vaultSecretId", envString("X509_VAULT_SECRETID", ""), "Vault secret ID")
		flVaultMount    = flag.String("vaultMount", envString("X509_VAULT_MOUNT", "secret"), "Vault mount for CA keys")
		flVaultAddress  = flag.String("vaultAddress", envString("X509_VAULT_ADDRESS", ""), "Vault ADDRESS")

		flConsulProtocol = flag.String("consulprotocol", envString("X509_CONSUL_PROTOCOL", ""), "Consul protocol")
		flConsulHost     = flag.String("consulhost", envString("X509_CONSUL_HOST", ""), "Consul host")
		flConsulPort     = flag.String("consulport", envString("X509_CONSUL_PORT", ""), "Consul port")
		flConsulCA       = flag.String("consulca", envString("X509_CONSUL_CA", ""), "Consul CA path")

		flCRLProtected = flag.Bool("crlprotected", envBool("X509_CRL_PROTECTED"), "require a bearer token to download CRLs")
		flCRLToken     = flag.String("crltoken", envString("X509_CRL_TOKEN", ""), "bearer token protecting CRL downloads")
	)
	flag.Parse()

	var logger log.Logger
	{
		logger = log.NewJSONLogger(os.Stdout)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not load Jaeger configuration values fron environment")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Jaeger configuration values loaded")
	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start Jaeger tracer")
		os.Exit(1)
	}
	defer closer.Close()
	level.Info(logger).Log("msg", "Jaeger tracer started")
	fieldKeys := []string{"method", "error"}

	var records depot.Depot
	switch *flDepotDriver {
	case "postgres":
		records, err = relational.NewDB("postgres", *flDepotDSN, logger)
	case "sqlite":
		records, err = sqlite.NewDB(*flDepotDSN, logger)
	default:
		level.Error(logger).Log("err", "unknown depot driver "+*flDepotDriver)
		os.Exit(1)
	}
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not connect to certificate records database")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Connection established with certificate records database")

	var keys secrets.Store
	switch *flSecrets {
	case "vault":
		keys, err = vault.NewVaultStore(*flVaultAddress, *flVaultRoleId, *flVaultSecretId, *flVaultMount)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not create vault CA key store")
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "Connection established with Vault CA key store")
	case "file":
		keys = secretsfile.NewFile(*flKeyDir, logger)
	default:
		level.Error(logger).Log("err", "unknown secrets store "+*flSecrets)
		os.Exit(1)
	}

	var svc authority.Service
	{
		svc = authority.NewService(records, keys, authority.DefaultConfig())
		svc = authority.LoggingMiddleware(logger)(svc)
		svc = authority.NewInstrumentingMiddleware(
			kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
				Namespace: "x509_authority",
				Subsystem: "authority",
				Name:      "request_count",
				Help:      "Number of requests received.",
			}, fieldKeys),
			kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
				Namespace: "x509_authority",
				Subsystem: "authority",
				Name:      "request_latency_microseconds",
				Help:      "Total duration of requests in microseconds.",
			}, fieldKeys),
		)(svc)
	}

	crlPolicy := authority.CRLPolicy{Protected: *flCRLProtected, Token: *flCRLToken}
	h := authority.MakeHTTPHandler(svc, log.With(logger, "component", "HTTP"), crlPolicy, tracer)

	if *flConsulProtocol != "" {
		consulsd, err := consul.NewServiceDiscovery(*flConsulProtocol, *flConsulHost, *flConsulPort, *flConsulCA, logger)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not start connection with Consul Service Discovery")
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "Connection established with Consul Service Discovery")
		if *flSsl {
			consulsd.Register("https", *flAddress, *flPort)
		} else {
			consulsd.Register("http", *flAddress, *flPort)
		}
	}

	errs := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errs <- fmt.Errorf("%s", <-c)
	}()

	if *flSsl {
		go func() {
			level.Info(logger).Log("transport", "HTTPS", "address", *flAddress+":"+*flPort, "msg", "listening")
			errs <- http.ListenAndServeTLS(*flAddress+":"+*flPort, *flSslCert, *flSslKey, h)
		}()
	} else {
		go func() {
			level.Info(logger).Log("transport", "HTTP", "address", *flAddress+":"+*flPort, "msg", "listening")
			errs <- http.ListenAndServe(*flAddress+":"+*flPort, h)
		}()
	}
	level.Info(logger).Log("exit", <-errs)
}

func envString(key, def string) string {
	if env := os.Getenv(key); env != "" {
		return env
	}
	return def
}

func envBool(key string) bool {
	if env := os.Getenv(key); env == "true" {
		return true
	}
	return false
}

func envInt(key string, def int) int {
	if env := os.Getenv(key); env != "" {
		env, _ := strconv.Atoi(env)
		return env
	}
	return def
}
