// retry.go classifies SQLite errors for the store's write retries.
//
// WAL-mode SQLite under concurrent writers (a running thread view caching
// relay events while `tw import` runs) can produce SQLITE_BUSY,
// SQLITE_LOCKED, and IOERR_SHORT_READ (error 522). busy_timeout covers most
// of the first; the rest need an application-level retry.
package store

import (
	"context"
	"strings"

	"github.com/daviddao/threadweave/pkg/retry"
)

// isTransientSQLiteErr returns true if the error is a transient SQLite error
// that can be resolved by retrying.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// SQLite error codes embedded in error messages from modernc.org/sqlite.
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",   // SQLITE_BUSY
		"(6)",   // SQLITE_LOCKED
		"(522)", // SQLITE_IOERR_SHORT_READ
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs a write with the SQLite retry policy.
func retryOnContention(fn func() error) error {
	return retry.Do(context.Background(), retry.SQLite, isTransientSQLiteErr, fn)
}
