package relational

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/openwisp/x509-authority/pkg/depot"

	"github.com/go-kit/kit/log"
)

func setup(t *testing.T) (depot.Depot, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Unable to create sqlmock database: %s", err)
	}
	t.Cleanup(func() { db.Close() })
	return &relationalDB{db: db, logger: log.NewNopLogger()}, mock
}

func caColumns() []string {
	return []string{"id", "name", "key_length", "digest", "serial", "validity_start",
		"validity_end", "country_code", "state", "city", "organization", "email",
		"common_name", "dn", "extensions", "certificate", "crl_number", "created", "modified"}
}

func TestNextSerial(t *testing.T) {
	db, mock := setup(t)
	mock.ExpectQuery("SELECT nextval").
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(42))

	serial, err := db.NextSerial(context.Background())
	if err != nil {
		t.Fatalf("Unable to allocate serial: %s", err)
	}
	if serial.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("Got serial %s; want 42", serial)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %s", err)
	}
}

func TestCheckDBAlive(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Unable to create sqlmock database: %s", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{}))

	if err := checkDBAlive(db); err != nil {
		t.Fatalf("Database should be reported alive: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %s", err)
	}
}

func TestGetCA(t *testing.T) {
	db, mock := setup(t)
	now := time.Now().UTC().Truncate(time.Second)
	mock.ExpectQuery("SELECT (.+) FROM cas").
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows(caColumns()).
			AddRow("id-1", "default", "2048", "sha256", "a", now, now.AddDate(10, 0, 0),
				"US", "CA", "San Francisco", "ACME", "contact@acme.com", "ca.acme.com",
				"/C=US/CN=ca.acme.com", "", "PEM", int64(3), now, now))

	ca, err := db.GetCA(context.Background(), "default")
	if err != nil {
		t.Fatalf("Unable to get CA: %s", err)
	}
	if ca.Name != "default" || ca.CRLNumber != 3 {
		t.Errorf("Got CA %+v; want name default with CRL number 3", ca)
	}
	if ca.SerialNumber.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("Got serial %s; want 10", ca.SerialNumber)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %s", err)
	}
}

func TestGetCANotFound(t *testing.T) {
	db, mock := setup(t)
	mock.ExpectQuery("SELECT (.+) FROM cas").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := db.GetCA(context.Background(), "missing")
	if !errors.Is(err, depot.ErrNotFound) {
		t.Errorf("Got error %v; want %v", err, depot.ErrNotFound)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %s", err)
	}
}

func TestBumpCRLNumber(t *testing.T) {
	db, mock := setup(t)
	mock.ExpectQuery("UPDATE cas").
		WillReturnRows(sqlmock.NewRows([]string{"crl_number"}).AddRow(int64(4)))

	number, err := db.BumpCRLNumber(context.Background(), "default")
	if err != nil {
		t.Fatalf("Unable to bump CRL number: %s", err)
	}
	if number != 4 {
		t.Errorf("Got CRL number %d; want 4", number)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %s", err)
	}
}

func TestRevokeCert(t *testing.T) {
	db, mock := setup(t)
	revokedAt := time.Now().UTC()
	mock.ExpectExec("UPDATE certs").
		WithArgs(revokedAt, "default", "2a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := db.RevokeCert(context.Background(), "default", big.NewInt(42), revokedAt); err != nil {
		t.Fatalf("Unable to revoke certificate: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %s", err)
	}
}

func TestRevokeCertAlreadyRevoked(t *testing.T) {
	db, mock := setup(t)
	revokedAt := time.Now().UTC()
	mock.ExpectExec("UPDATE certs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.RevokeCert(context.Background(), "default", big.NewInt(42), revokedAt)
	if !errors.Is(err, depot.ErrNotFound) {
		t.Errorf("Got error %v; want %v", err, depot.ErrNotFound)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %s", err)
	}
}
