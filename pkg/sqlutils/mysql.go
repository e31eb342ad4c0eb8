package sqlutils

import (
	_ "embed"
	"time"

	retry "github.com/avast/retry-go/v4"
	_ "github.com/go-sql-driver/mysql"
	sqlx "github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// MySQLBackend stores the filesystem on a MySQL/MariaDB server.
type MySQLBackend struct {
	genericBackend
}

var _ SQLBackend = (*MySQLBackend)(nil)

func NewMySQLBackend() *MySQLBackend {
	return &MySQLBackend{}
}

//go:embed init-mysql.sql
var createTablesMySQL string

func (m *MySQLBackend) Open(dsn string) error {
	db, err := sqlx.Open("mysql", dsn+"?multiStatements=true")
	if err != nil {
		log.WithError(err).Error("couldn't open mysql connection")
		return ErrIO
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	// The server may still be coming up when the mount starts.
	if err := retry.Do(db.Ping, retry.Attempts(5)); err != nil {
		db.Close()
		log.WithError(err).Error("mysql server unreachable")
		return ErrIO
	}

	m.db = db
	return nil
}

func (m *MySQLBackend) Initialize() error {
	return m.initialize(createTablesMySQL)
}
