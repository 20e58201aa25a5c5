package trace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string   { return e.msg }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return false }

func TestClassifyWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: WriteErrorClassUnknown},
		{name: "span not running", err: fmt.Errorf("close span: %w", ErrNotFound), want: WriteErrorClassConflict},
		{name: "deadline", err: fmt.Errorf("touch: %w", context.DeadlineExceeded), want: WriteErrorClassTimeout},
		{name: "canceled", err: context.Canceled, want: WriteErrorClassTimeout},
		{name: "net timeout", err: &timeoutError{msg: "i/o timeout"}, want: WriteErrorClassTimeout},
		{
			name: "dial failure",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			want: WriteErrorClassConnection,
		},
		{name: "reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: WriteErrorClassConnection},
		{name: "sqlite busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: WriteErrorClassContention},
		{name: "sqlite constraint", err: errors.New("FOREIGN KEY constraint failed"), want: WriteErrorClassConstraint},
		{name: "postgres fk", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"}), want: WriteErrorClassConstraint},
		{name: "postgres deadlock", err: &pgconn.PgError{Code: "40P01"}, want: WriteErrorClassContention},
		{name: "postgres admin shutdown", err: &pgconn.PgError{Code: "08006"}, want: WriteErrorClassConnection},
		{name: "postgres statement timeout", err: &pgconn.PgError{Code: "57014"}, want: WriteErrorClassTimeout},
		{name: "opaque", err: errors.New("something odd"), want: WriteErrorClassUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyWriteError(tt.err); got != tt.want {
				t.Fatalf("ClassifyWriteError()=%q, want %q", got, tt.want)
			}
		})
	}
}
