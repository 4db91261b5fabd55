package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
)

// CreateConnectionString builds a libpq connection string from a key/value
// parameter map.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	parts := make([]string, 0, len(values))
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		parts = append(parts, k+"='"+replacer.Replace(v)+"'")
	}
	return strings.Join(parts, " ")
}

// OpenPgxPool connects a pgx pool from a connection parameter map and
// verifies the connection with a ping.
func OpenPgxPool(connection map[string]string) (*pgxpool.Pool, error) {
	db, err := pgxpool.Connect(context.Background(), CreateConnectionString(connection))
	if err != nil {
		return nil, err
	}
	err = db.Ping(context.Background())
	return db, err
}
