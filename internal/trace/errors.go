package trace

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store write failure classes reported by the touch writer and the ledger.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassConflict   = "conflict"
	WriteErrorClassUnknown    = "unknown"
)

var writeErrorMarkers = []struct {
	class   string
	markers []string
}{
	{WriteErrorClassConnection, []string{"connection refused", "broken pipe", "no such host", "connection reset"}},
	{WriteErrorClassTimeout, []string{"timeout", "deadline exceeded"}},
	{WriteErrorClassContention, []string{"sqlite_busy", "database is locked"}},
	{WriteErrorClassConstraint, []string{"constraint failed", "violates foreign key constraint", "violates unique constraint", "violates check constraint", "duplicate key"}},
}

// ClassifyWriteError maps a store error to a small fixed set of classes.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}
	if errors.Is(err, ErrNotFound) {
		return WriteErrorClassConflict
	}

	// Timeouts first: a net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if class := classifyPostgresCode(pgErr.Code); class != "" {
			return class
		}
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range writeErrorMarkers {
		for _, marker := range entry.markers {
			if strings.Contains(msg, marker) {
				return entry.class
			}
		}
	}
	return WriteErrorClassUnknown
}

func classifyPostgresCode(code string) string {
	switch {
	case strings.HasPrefix(code, "08"):
		return WriteErrorClassConnection
	case strings.HasPrefix(code, "23"):
		return WriteErrorClassConstraint
	case code == "40001" || code == "40P01" || code == "55P03":
		return WriteErrorClassContention
	case code == "57014":
		return WriteErrorClassTimeout
	default:
		return ""
	}
}
