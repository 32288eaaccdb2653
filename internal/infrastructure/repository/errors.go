package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	domainerrors "github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
)

const graphStoreName = "identity_graph_postgres"

// IsConnectionError checks if the error is related to database connectivity
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "closed pool") ||
		strings.Contains(err.Error(), "no connection to the server")
}

// storeUnavailable maps any database failure to the keyed-store error the
// engine understands.
func storeUnavailable(err error, operation, key string) error {
	if err == nil {
		return nil
	}
	return domainerrors.NewStoreUnavailableError(graphStoreName, operation, key).WithCause(err)
}
