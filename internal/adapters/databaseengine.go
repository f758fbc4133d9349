package adapters

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseRequest describes the database the database step provisions for a
// customer's website.
type DatabaseRequest struct {
	Name     string
	Owner    string
	Password string
}

// DatabaseResult is what the database engine reports back once the database
// exists.
type DatabaseResult struct {
	ConnectionString string
}

// DatabaseEngineAdapter provisions a dedicated database and user on the
// shared database engine, distinct from this service's own control-plane
// Postgres. idemKey is accepted for interface uniformity with the other
// adapters. DropDatabase uses DROP DATABASE IF EXISTS, and CreateDatabase
// checks pg_catalog for the database before creating anything; the CREATE
// USER it runs first is not checked on its own, so a retry after the user
// was created but the database was not fails on the existing user.
type DatabaseEngineAdapter interface {
	CreateDatabase(ctx context.Context, req DatabaseRequest, idemKey string) (*DatabaseResult, error)
	DropDatabase(ctx context.Context, databaseName, idemKey string) error
}

// pgDatabaseEngineAdapter talks directly to the database engine over a pgx
// pool rather than through an HTTP API, since the step is itself "run DDL
// against Postgres." Existence is checked against pg_catalog so a retried
// step recognizes AlreadyExists instead of failing on a duplicate-database
// error.
type pgDatabaseEngineAdapter struct {
	pool       *pgxpool.Pool
	engineHost string
}

// NewDatabaseEngineAdapter builds the adapter from a DSN pointing at the
// database engine that hosts customer databases.
func NewDatabaseEngineAdapter(ctx context.Context, dsn string) (DatabaseEngineAdapter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &AdapterError{Kind: Fatal, Message: fmt.Sprintf("connect to database engine: %v", err)}
	}
	host := "database-engine"
	if parsed, err := url.Parse(dsn); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	return &pgDatabaseEngineAdapter{pool: pool, engineHost: host}, nil
}

func (a *pgDatabaseEngineAdapter) CreateDatabase(ctx context.Context, req DatabaseRequest, idemKey string) (*DatabaseResult, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_database WHERE datname = $1)`, req.Name).Scan(&exists)
	if err != nil {
		return nil, &AdapterError{Kind: Retryable, Message: fmt.Sprintf("check database existence: %v", err)}
	}
	if exists {
		return nil, &AdapterError{Kind: AlreadyExists, Message: fmt.Sprintf("database %s already exists", req.Name)}
	}

	if _, err := a.pool.Exec(ctx, fmt.Sprintf(`CREATE USER %s WITH PASSWORD %s`, quoteIdent(req.Owner), quoteLiteral(req.Password))); err != nil {
		return nil, &AdapterError{Kind: Fatal, Message: fmt.Sprintf("create database user: %v", err)}
	}
	if _, err := a.pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, quoteIdent(req.Name), quoteIdent(req.Owner))); err != nil {
		return nil, &AdapterError{Kind: Fatal, Message: fmt.Sprintf("create database: %v", err)}
	}
	return &DatabaseResult{ConnectionString: fmt.Sprintf("postgres://%s@%s/%s", req.Owner, a.engineHost, req.Name)}, nil
}

func (a *pgDatabaseEngineAdapter) DropDatabase(ctx context.Context, databaseName, idemKey string) error {
	if _, err := a.pool.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, quoteIdent(databaseName))); err != nil {
		return &AdapterError{Kind: Fatal, Message: fmt.Sprintf("drop database: %v", err)}
	}
	return nil
}

// quoteIdent double-quotes a Postgres identifier, escaping embedded quotes.
// Database and user names here are derived server-side from the
// subscription id, never from untrusted input, but DDL cannot be
// parameterized so this still guards against malformed names.
func quoteIdent(ident string) string {
	escaped := ""
	for _, r := range ident {
		if r == '"' {
			escaped += `""`
		} else {
			escaped += string(r)
		}
	}
	return `"` + escaped + `"`
}

// quoteLiteral single-quotes a Postgres string literal, escaping embedded
// quotes.
func quoteLiteral(literal string) string {
	escaped := ""
	for _, r := range literal {
		if r == '\'' {
			escaped += `''`
		} else {
			escaped += string(r)
		}
	}
	return `'` + escaped + `'`
}
