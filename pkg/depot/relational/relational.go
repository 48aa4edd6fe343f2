package relational

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/openwisp/x509-authority/pkg/depot"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	_ "github.com/lib/pq"
)

// relationalDB expects a provisioned schema with the cas and certs tables
// plus a cert_serial sequence, see schema.sql in the deployment manifests.
type relationalDB struct {
	db     *sql.DB
	logger log.Logger
}

func NewDB(driverName string, dataSourceName string, logger log.Logger) (depot.Depot, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	err = checkDBAlive(db)
	for err != nil {
		level.Warn(logger).Log("msg", "Trying to connect to certificate records database")
		time.Sleep(5 * time.Second)
		err = checkDBAlive(db)
	}

	return &relationalDB{db: db, logger: logger}, nil
}

func checkDBAlive(db *sql.DB) error {
	sqlStatement := `
	SELECT WHERE 1=0`
	rows, err := db.Query(sqlStatement)
	if err != nil {
		return err
	}
	return rows.Close()
}

func (r *relationalDB) NextSerial(ctx context.Context) (*big.Int, error) {
	var id int64
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('cert_serial')`).Scan(&id); err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not allocate a new serial number")
		return nil, err
	}
	return big.NewInt(id), nil
}

func (r *relationalDB) InsertCA(ctx context.Context, ca *depot.CA) error {
	if ca.ID == "" {
		ca.ID = uuid.NewString()
	}
	sqlStatement := `
	INSERT INTO cas(id, name, key_length, digest, serial, validity_start, validity_end,
		country_code, state, city, organization, email, common_name, dn, extensions,
		certificate, crl_number, created, modified)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	RETURNING id;
	`
	var id string
	err := r.db.QueryRowContext(ctx, sqlStatement,
		ca.ID, ca.Name, ca.KeyLength, ca.Digest, depot.FormatSerial(ca.SerialNumber),
		ca.ValidityStart, ca.ValidityEnd, ca.CountryCode, ca.State, ca.City,
		ca.Organization, ca.Email, ca.CommonName, ca.DistinguishedName, ca.Extensions,
		ca.Certificate, ca.CRLNumber, ca.Created, ca.Modified).Scan(&id)
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not insert CA "+ca.Name+" in certificate records database")
		return err
	}
	level.Info(r.logger).Log("msg", "CA "+ca.Name+" inserted in certificate records database")
	return nil
}

func (r *relationalDB) GetCA(ctx context.Context, name string) (*depot.CA, error) {
	sqlStatement := `
	SELECT id, name, key_length, digest, serial, validity_start, validity_end,
		country_code, state, city, organization, email, common_name, dn, extensions,
		certificate, crl_number, created, modified
	FROM cas
	WHERE name = $1;
	`
	row := r.db.QueryRowContext(ctx, sqlStatement, name)
	ca, err := scanCA(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, depot.ErrNotFound
		}
		level.Error(r.logger).Log("err", err, "msg", "Could not find CA "+name+" in certificate records database")
		return nil, err
	}
	level.Info(r.logger).Log("msg", "CA "+name+" found in certificate records database")
	return ca, nil
}

func (r *relationalDB) ListCAs(ctx context.Context, filter depot.CAFilter) ([]depot.CA, error) {
	sqlStatement := `
	SELECT id, name, key_length, digest, serial, validity_start, validity_end,
		country_code, state, city, organization, email, common_name, dn, extensions,
		certificate, crl_number, created, modified
	FROM cas
	WHERE ($1 = '' OR key_length = $1)
	  AND ($2 = '' OR digest = $2)
	ORDER BY created;
	`
	rows, err := r.db.QueryContext(ctx, sqlStatement, filter.KeyLength, filter.Digest)
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not list CAs from certificate records database")
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

func (r *relationalDB) BumpCRLNumber(ctx context.Context, caName string) (int64, error) {
	sqlStatement := `
	UPDATE cas
	SET crl_number = crl_number + 1, modified = $1
	WHERE name = $2
	RETURNING crl_number;
	`
	var number int64
	err := r.db.QueryRowContext(ctx, sqlStatement, time.Now().UTC(), caName).Scan(&number)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, depot.ErrNotFound
		}
		level.Error(r.logger).Log("err", err, "msg", "Could not bump CRL number of CA "+caName)
		return 0, err
	}
	return number, nil
}

func (r *relationalDB) InsertCert(ctx context.Context, crt *depot.Cert) error {
	if crt.ID == "" {
		crt.ID = uuid.NewString()
	}
	serialHex := depot.FormatSerial(crt.SerialNumber)
	sqlStatement := `
	INSERT INTO certs(id, name, ca, status, revoked_at, key_length, digest, serial,
		validity_start, validity_end, country_code, state, city, organization, email,
		common_name, dn, extensions, certificate, private_key, created, modified)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	RETURNING serial;
	`
	var serial string
	err := r.db.QueryRowContext(ctx, sqlStatement,
		crt.ID, crt.Name, crt.CA, string(rune(crt.Status)), nullTime(crt.RevokedAt),
		crt.KeyLength, crt.Digest, serialHex, crt.ValidityStart, crt.ValidityEnd,
		crt.CountryCode, crt.State, crt.City, crt.Organization, crt.Email,
		crt.CommonName, crt.DistinguishedName, crt.Extensions, crt.Certificate,
		crt.PrivateKey, crt.Created, crt.Modified).Scan(&serial)
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not insert certificate with serial "+serialHex+" in certificate records database")
		return err
	}
	level.Info(r.logger).Log("msg", "Certificate with serial "+serialHex+" inserted in certificate records database")
	return nil
}

func (r *relationalDB) GetCert(ctx context.Context, caName string, serial *big.Int) (*depot.Cert, error) {
	serialHex := depot.FormatSerial(serial)
	sqlStatement := `
	SELECT id, name, ca, status, revoked_at, key_length, digest, serial,
		validity_start, validity_end, country_code, state, city, organization, email,
		common_name, dn, extensions, certificate, private_key, created, modified
	FROM certs
	WHERE ca = $1 AND serial = $2;
	`
	row := r.db.QueryRowContext(ctx, sqlStatement, caName, serialHex)
	crt, err := scanCert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, depot.ErrNotFound
		}
		level.Error(r.logger).Log("err", err, "msg", "Could not find certificate with serial "+serialHex+" in certificate records database")
		return nil, err
	}
	level.Info(r.logger).Log("msg", "Certificate with serial "+serialHex+" found in certificate records database")
	return crt, nil
}

func (r *relationalDB) ListCerts(ctx context.Context, filter depot.CertFilter) ([]depot.Cert, error) {
	status := ""
	if filter.Revoked != nil {
		if *filter.Revoked {
			status = string(rune(depot.StatusRevoked))
		} else {
			status = string(rune(depot.StatusValid))
		}
	}
	sqlStatement := `
	SELECT id, name, ca, status, revoked_at, key_length, digest, serial,
		validity_start, validity_end, country_code, state, city, organization, email,
		common_name, dn, extensions, certificate, private_key, created, modified
	FROM certs
	WHERE ($1 = '' OR ca = $1)
	  AND ($2 = '' OR status = $2)
	  AND ($3 = '' OR key_length = $3)
	  AND ($4 = '' OR digest = $4)
	ORDER BY created;
	`
	rows, err := r.db.QueryContext(ctx, sqlStatement, filter.CA, status, filter.KeyLength, filter.Digest)
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not list certificates from certificate records database")
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

func (r *relationalDB) RevokeCert(ctx context.Context, caName string, serial *big.Int, revokedAt time.Time) error {
	serialHex := depot.FormatSerial(serial)
	sqlStatement := `
	UPDATE certs
	SET status = 'R', revoked_at = $1, modified = $1
	WHERE ca = $2 AND serial = $3 AND status = 'V';
	`
	res, err := r.db.ExecContext(ctx, sqlStatement, revokedAt, caName, serialHex)
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not revoke certificate with serial "+serialHex+" in certificate records database")
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		level.Error(r.logger).Log("err", err, "msg", "Could not revoke certificate with serial "+serialHex+" in certificate records database")
		return err
	}
	if count <= 0 {
		return depot.ErrNotFound
	}
	level.Info(r.logger).Log("msg", "Certificate with serial "+serialHex+" revoked in certificate records database")
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
	if len(status) > 0 {
		crt.Status = status[0]
	}
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

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
