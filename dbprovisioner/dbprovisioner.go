// Package dbprovisioner allocates per-app database credentials. The
// contract is external per spec.md §6 (DBProvisioner.getInfo); this package
// supplies two implementations: a self-contained sqlite-backed ledger, and
// an HTTP client for a remote provisioning service authenticated with a
// short-lived internal JWT.
package dbprovisioner

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Info is the set of credentials injected into a postgres-enabled child's
// environment.
type Info struct {
	User string `json:"user"`
	Pass string `json:"pass"`
	Name string `json:"name"`
}

// ErrDBUnavailable is soft: callers downgrade to an empty PG environment
// rather than failing the incarnation.
var ErrDBUnavailable = errors.New("dbprovisioner: unavailable")

// Provisioner is the contract the App Supervisor consumes.
type Provisioner interface {
	GetInfo(appName string) (Info, error)
}

const credentialSchema = `
CREATE TABLE IF NOT EXISTS app_credential_v1 (
	app_name STRING PRIMARY KEY NOT NULL,
	db_user  STRING NOT NULL,
	db_pass  STRING NOT NULL,
	db_name  STRING NOT NULL
);
`

const getCredentialSQL = `SELECT db_user, db_pass, db_name FROM app_credential_v1 WHERE app_name = $1;`
const insertCredentialSQL = `INSERT INTO app_credential_v1 (app_name, db_user, db_pass, db_name) VALUES ($1, $2, $3, $4);`

// SQLite is the default Provisioner: a local ledger of generated-once
// credentials per app, grounded on nexushub/packages/db.go's schema+CRUD
// style.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens (creating if necessary) the credential ledger at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDBUnavailable, path, err)
	}
	if _, err := db.Exec(credentialSchema); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrDBUnavailable, err)
	}
	return &SQLite{db: db}, nil
}

// GetInfo returns this app's credentials, generating and persisting a new
// random set on first request.
func (s *SQLite) GetInfo(appName string) (Info, error) {
	var info Info
	err := s.db.QueryRow(getCredentialSQL, appName).Scan(&info.User, &info.Pass, &info.Name)
	if err == nil {
		return info, nil
	}

	info = Info{
		User: "app_" + appName,
		Pass: randomToken(24),
		Name: "app_" + appName,
	}
	if _, err := s.db.Exec(insertCredentialSQL, appName, info.User, info.Pass, info.Name); err != nil {
		return Info{}, fmt.Errorf("%w: insert credentials for %s: %v", ErrDBUnavailable, appName, err)
	}
	return info, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "unavailable"
	}
	return hex.EncodeToString(b)
}
