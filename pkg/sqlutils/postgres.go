package sqlutils

import (
	_ "embed"

	retry "github.com/avast/retry-go/v4"
	sqlx "github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// PostgresBackend stores the filesystem on a PostgreSQL server.
type PostgresBackend struct {
	genericBackend
}

var _ SQLBackend = (*PostgresBackend)(nil)

func NewPostgresBackend() *PostgresBackend {
	return &PostgresBackend{}
}

//go:embed init-postgres.sql
var createTablesPostgres string

func (p *PostgresBackend) Open(dsn string) error {
	db, err := sqlx.Open("postgres", "postgres://"+dsn+"?sslmode=disable")
	if err != nil {
		log.WithError(err).Error("couldn't open postgres connection")
		return ErrIO
	}

	if err := retry.Do(db.Ping, retry.Attempts(5)); err != nil {
		db.Close()
		log.WithError(err).Error("postgres server unreachable")
		return ErrIO
	}

	p.db = db
	return nil
}

func (p *PostgresBackend) Initialize() error {
	return p.initialize(createTablesPostgres)
}
