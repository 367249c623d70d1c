package repository

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"

	defaultSQLitePath = "./kestrel.db"
	defaultDatabase   = "kestrel"
)

// Pool sizes for the catalog when the config leaves them unset. The catalog
// is read at startup and on reload, so a handful of connections is plenty.
const (
	catalogMaxOpenConns    = 4
	catalogMaxIdleConns    = 2
	catalogConnMaxLifetime = 30 * time.Minute
)

// sqlitePragmas are passed through the DSN so every pooled connection gets them.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// dataSource resolves the database/sql driver name and DSN for cfg.
func dataSource(cfg domain.RepositoryConfig) (string, string, error) {
	switch cfg.Driver {
	case driverSQLite:
		dsn, err := sqliteDSN(cfg.SQLitePath)
		if err != nil {
			return "", "", err
		}
		return driverSQLite, dsn, nil
	case driverPostgres:
		return driverPostgres, postgresDSN(cfg), nil
	default:
		return "", "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
}

// sqliteDSN builds a modernc.org/sqlite DSN. Transactions take the write
// lock up front so two processes seeding one file cannot both see an empty
// catalog.
func sqliteDSN(path string) (string, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("failed to create catalog directory: %w", err)
			}
		}
	}

	return "file:" + path + "?" + sqlitePragmas, nil
}

// postgresDSN builds a lib/pq URL. Credentials are escaped by net/url.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = defaultDatabase
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
	}
	switch {
	case cfg.PostgresUser != "" && cfg.PostgresPassword != "":
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	case cfg.PostgresUser != "":
		u.User = url.User(cfg.PostgresUser)
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "kestrel")
	q.Set("connect_timeout", "5")
	u.RawQuery = q.Encode()
	return u.String()
}

// poolSettings fills unset pool limits with the catalog defaults.
func poolSettings(cfg domain.RepositoryConfig) (maxOpen, maxIdle int, lifetime time.Duration) {
	maxOpen, maxIdle, lifetime = cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if maxOpen <= 0 {
		maxOpen = catalogMaxOpenConns
	}
	if maxIdle <= 0 {
		maxIdle = catalogMaxIdleConns
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	if lifetime <= 0 {
		lifetime = catalogConnMaxLifetime
	}
	return maxOpen, maxIdle, lifetime
}
