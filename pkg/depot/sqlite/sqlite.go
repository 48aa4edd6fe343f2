package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/openwisp/x509-authority/pkg/depot"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteDB is the single node depot backend. The schema is created on open,
// so a fresh database file is usable immediately.
type sqliteDB struct {
	db     *sql.DB
	logger log.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS cas (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	key_length TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL DEFAULT '',
	serial TEXT NOT NULL,
	validity_start TIMESTAMP NOT NULL,
	validity_end TIMESTAMP NOT NULL,
	country_code TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	organization TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	common_name TEXT NOT NULL DEFAULT '',
	dn TEXT NOT NULL DEFAULT '',
	extensions TEXT NOT NULL DEFAULT '',
	certificate TEXT NOT NULL,
	crl_number INTEGER NOT NULL DEFAULT 0,
	created TIMESTAMP NOT NULL,
	modified TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS certs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	ca TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'V',
	revoked_at TIMESTAMP,
	key_length TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL DEFAULT '',
	serial TEXT NOT NULL,
	validity_start TIMESTAMP NOT NULL,
	validity_end TIMESTAMP NOT NULL,
	country_code TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	organization TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	common_name TEXT NOT NULL DEFAULT '',
	dn TEXT NOT NULL DEFAULT '',
	extensions TEXT NOT NULL DEFAULT '',
	certificate TEXT NOT NULL,
	private_key TEXT NOT NULL DEFAULT '',
	created TIMESTAMP NOT NULL,
	modified TIMESTAMP NOT NULL,
	UNIQUE(ca, serial),
	FOREIGN KEY (ca) REFERENCES cas(name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_certs_ca ON certs(ca);
CREATE INDEX IF NOT EXISTS idx_certs_status ON certs(status);
CREATE INDEX IF NOT EXISTS idx_certs_serial ON certs(serial);

CREATE TABLE IF NOT EXISTS serials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created TIMESTAMP NOT NULL
);
`

func NewDB(dataSourceName string, logger log.Logger) (depot.Depot, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create certificate records schema")
		db.Close()
		return nil, err
	}
	return &sqliteDB{db: db, logger: logger}, nil
}

func (s *sqliteDB) NextSerial(ctx context.Context) (*big.Int, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO serials(created) VALUES(?)`, time.Now().UTC())
	if err != nil {
		level.Error(s.logger).Log("err", err, "msg", "Could not allocate a new serial number")
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return big.NewInt(id), nil
}

func (s *sqliteDB) InsertCA(ctx context.Context, ca *depot.CA) error {
	if ca.ID == "" {
		ca.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO cas(id, name, key_length, digest, serial, validity_start, validity_end,
		country_code, state, city, organization, email, common_name, dn, extensions,
		certificate, crl_number, created, modified)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ca.ID, ca.Name, ca.KeyLength, ca.Digest, depot.FormatSerial(ca.SerialNumber),
		ca.ValidityStart, ca.ValidityEnd, ca.CountryCode, ca.State, ca.City,
		ca.Organization, ca.Email, ca.CommonName, ca.DistinguishedName, ca.Extensions,
		ca.Certificate, ca.CRLNumber, ca.Created, ca.Modified)
	if err != nil {
		level.Error(s.logger).Log("err", err, "msg", "Could not insert CA "+ca.Name+" in certificate records database")
		return err
	}
	level.Info(s.logger).Log("msg", "CA "+ca.Name+" inserted in certificate records database")
	return nil
}

func (s *sqliteDB) GetCA(ctx context.Context, name string) (*depot.CA, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, name, key_length, digest, serial, validity_start, validity_end,
		country_code, state, city, organization, email, common_name, dn, extensions,
		certificate, crl_number, created, modified
	FROM cas
	WHERE name = ?`, name)
	ca, err := scanCA(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, depot.ErrNotFound
		}
		level.Error(s.logger).Log("err", err, "msg", "Could not find CA "+name+" in certificate records database")
		return nil, err
	}
	return ca, nil
}

func (s *sqliteDB) ListCAs(ctx context.Context, filter depot.CAFilter) ([]depot.CA, error) {
	query := `
	SELECT id, name, key_length, digest, serial, validity_start, validity_end,
		country_code, state, city, organization, email, common_name, dn, extensions,
		certificate, crl_number, created, modified
	FROM cas`
	var conds []string
	var args []interface{}
	if filter.KeyLength != "" {
		conds = append(conds, "key_length = ?")
		args = append(args, filter.KeyLength)
	}
	if filter.Digest != "" {
		conds = append(conds, "digest = ?")
		args = append(args, filter.Digest)
	}
	query += whereClause(conds) + " ORDER BY created"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		level.Error(s.logger).Log("err", err, "msg", "Could not list CAs from certificate records database")
		return nil, err
	}
	defer rows.Close()
	var cas []depot.CA
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, err
		}
		cas = append(cas, *ca)
	}
	return cas, rows.Err()
}

func (s *sqliteDB) BumpCRLNumber(ctx context.Context, caName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE cas SET crl_number = crl_number + 1, modified = ? WHERE name = ?`,
		time.Now().UTC(), caName)
	if err != nil {
		level.Error(s.logger).Log("err", err, "msg", "Could not bump CRL number of CA "+caName)
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, depot.ErrNotFound
	}
	var number int64
	if err := s.db.QueryRowContext(ctx, `SELECT crl_number FROM cas WHERE name = ?`, caName).Scan(&number); err != nil {
		return 0, err
	}
	return number, nil
}

func (s *sqliteDB) InsertCert(ctx context.Context, crt *depot.Cert) error {
	if crt.ID == "" {
		crt.ID = uuid.NewString()
	}
	serialHex := depot.FormatSerial(crt.SerialNumber)
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO certs(id, name, ca, status, revoked_at, key_length, digest, serial,
		validity_start, validity_end, country_code, state, city, organization, email,
		common_name, dn, extensions, certificate, private_key, created, modified)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		crt.ID, crt.Name, crt.CA, string(rune(crt.Status)), nullTime(crt.RevokedAt),
		crt.KeyLength, crt.Digest, serialHex, crt.ValidityStart, crt.ValidityEnd,
		crt.CountryCode, crt.State, crt.City, crt.Organization, crt.Email,
		crt.CommonName, crt.DistinguishedName, crt.Extensions, crt.Certificate,
		crt.PrivateKey, crt.Created, crt.Modified)
	if err != nil {
		level.Error(s.logger).Log("err", err, "msg", "Could not insert certificate with serial "+serialHex+" in certificate records database")
		return err
	}
	level.Info(s.logger).Log("msg", "Certificate with serial "+serialHex+" inserted in certificate records database")
	return nil
}

func (s *sqliteDB) GetCert(ctx context.Context, caName string, serial *big.Int) (*depot.Cert, error) {
	serialHex := depot.FormatSerial(serial)
	row := s.db.QueryRowContext(ctx, `
	SELECT id, name, ca, status, revoked_at, key_length, digest, serial,
		validity_start, validity_end, country_code, state, city, organization, email,
		common_name, dn, extensions, certificate, private_key, created, modified
	FROM certs
	WHERE ca = ? AND serial = ?`, caName, serialHex)
	crt, err := scanCert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, depot.ErrNotFound
		}
		level.Error(s.logger).Log("err", err, "msg", "Could not find certificate with serial "+serialHex+" in certificate records database")
		return nil, err
	}
	return crt, nil
}

func (s *sqliteDB) ListCerts(ctx context.Context, filter depot.CertFilter) ([]depot.Cert, error) {
	query := `
	SELECT id, name, ca, status, revoked_at, key_length, digest, serial,
		validity_start, validity_end, country_code, state, city, organization, email,
		common_name, dn, extensions, certificate, private_key, created, modified
	FROM certs`
	var conds []string
	var args []interface{}
	if filter.CA != "" {
		conds = append(conds, "ca = ?")
		args = append(args, filter.CA)
	}
	if filter.Revoked != nil {
		conds = append(conds, "status = ?")
		if *filter.Revoked {
			args = append(args, string(rune(depot.StatusRevoked)))
		} else {
			args = append(args, string(rune(depot.StatusValid)))
		}
	}
	if filter.KeyLength != "" {
		conds = append(conds, "key_length = ?")
		args = append(args, filter.KeyLength)
	}
	if filter.Digest != "" {
		conds = append(conds, "digest = ?")
		args = append(args, filter.Digest)
	}
	query += whereClause(conds) + " ORDER BY created"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		level.Error(s.logger).Log("err", err, "msg", "Could not list certificates from certificate records database")
		return nil, err
	}
	defer rows.Close()
	var certs []depot.Cert
	for rows.Next() {
		crt, err := scanCert(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, *crt)
	}
	return certs, rows.Err()
}

func (s *sqliteDB) RevokeCert(ctx context.Context, caName string, serial *big.Int, revokedAt time.Time) error {
	serialHex := depot.FormatSerial(serial)
	res, err := s.db.ExecContext(ctx, `
	UPDATE certs
	SET status = 'R', revoked_at = ?, modified = ?
	WHERE ca = ? AND serial = ? AND status = 'V'`,
		revokedAt, revokedAt, caName, serialHex)
	if err != nil {
		level.Error(s.logger).Log("err", err, "msg", "Could not revoke certificate with serial "+serialHex+" in certificate records database")
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count <= 0 {
		return depot.ErrNotFound
	}
	level.Info(s.logger).Log("msg", "Certificate with serial "+serialHex+" revoked in certificate records database")
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCA(row scanner) (*depot.CA, error) {
	var ca depot.CA
	var serialHex string
	if err := row.Scan(&ca.ID, &ca.Name, &ca.KeyLength, &ca.Digest, &serialHex,
		&ca.ValidityStart, &ca.ValidityEnd, &ca.CountryCode, &ca.State, &ca.City,
		&ca.Organization, &ca.Email, &ca.CommonName, &ca.DistinguishedName,
		&ca.Extensions, &ca.Certificate, &ca.CRLNumber, &ca.Created, &ca.Modified); err != nil {
		return nil, err
	}
	serial, err := depot.ParseSerial(serialHex)
	if err != nil {
		return nil, err
	}
	ca.SerialNumber = serial
	return &ca, nil
}

func scanCert(row scanner) (*depot.Cert, error) {
	var crt depot.Cert
	var serialHex, status string
	var revokedAt sql.NullTime
	if err := row.Scan(&crt.ID, &crt.Name, &crt.CA, &status, &revokedAt,
		&crt.KeyLength, &crt.Digest, &serialHex, &crt.ValidityStart, &crt.ValidityEnd,
		&crt.CountryCode, &crt.State, &crt.City, &crt.Organization, &crt.Email,
		&crt.CommonName, &crt.DistinguishedName, &crt.Extensions, &crt.Certificate,
		&crt.PrivateKey, &crt.Created, &crt.Modified); err != nil {
		return nil, err
	}
	if status == "" {
		return nil, fmt.Errorf("empty status for serial %s", serialHex)
	}
	crt.Status = status[0]
	if revokedAt.Valid {
		crt.RevokedAt = revokedAt.Time
	}
	serial, err := depot.ParseSerial(serialHex)
	if err != nil {
		return nil, err
	}
	crt.SerialNumber = serial
	return &crt, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	clause := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		clause += " AND " + c
	}
	return clause
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
