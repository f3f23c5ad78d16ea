package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/freestays/passguard/internal/domain"
)

const pgConnectTimeout = 5 * time.Second

// openPostgres connects through a pq connector. Values are quoted so a
// password with spaces or quotes survives the key=value DSN.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	params := [][2]string{
		{"host", withDefault(cfg.PostgresHost, "localhost")},
		{"port", fmt.Sprint(withDefault(cfg.PostgresPort, 5432))},
		{"user", cfg.PostgresUser},
		{"password", cfg.PostgresPassword},
		{"dbname", withDefault(cfg.PostgresDB, "passguard")},
		{"sslmode", withDefault(cfg.PostgresSSLMode, "disable")},
		{"connect_timeout", fmt.Sprint(int(pgConnectTimeout.Seconds()))},
		{"application_name", "passguard"},
	}
	var dsn strings.Builder
	for _, kv := range params {
		if kv[1] == "" {
			continue
		}
		fmt.Fprintf(&dsn, "%s=%s ", kv[0], quoteDSN(kv[1]))
	}

	connector, err := pq.NewConnector(strings.TrimSpace(dsn.String()))
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	db := sql.OpenDB(connector)

	ctx, cancel := context.WithTimeout(context.Background(), pgConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

func withDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgerrcode.UniqueViolation
}

// isPostgresTransient reports errors a caller may retry: lost connections,
// serialization failures and an overloaded or restarting server.
func isPostgresTransient(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	code := string(pqErr.Code)
	return pgerrcode.IsConnectionException(code) ||
		pgerrcode.IsInsufficientResources(code) ||
		pgerrcode.IsOperatorIntervention(code) ||
		code == pgerrcode.SerializationFailure ||
		code == pgerrcode.DeadlockDetected
}
