package sqldb

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"

	"github.com/go-sql-driver/mysql"

	"github.com/tigerroll/batchcursor/pkg/batch/adapter/database"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
)

// DefaultTransientErrors names the failures treated as a lost connection when nothing is configured.
// Numeric entries are MySQL error numbers (2006 server has gone away, 2013 lost connection during query).
// "dial" matches a failed connection attempt while the server is still unreachable.
var DefaultTransientErrors = []string{
	"ErrInvalidConn", "ErrBadConn", "io.ErrUnexpectedEOF", "ErrConnectionLost",
	"dial", "ECONNREFUSED", "ECONNRESET", "2006", "2013",
}

// dialEntry selects *net.OpError values whose Op is "dial".
const dialEntry = "dial"

// errnoEntries maps socket error names to their errno.
var errnoEntries = map[string]syscall.Errno{
	"ECONNREFUSED": syscall.ECONNREFUSED,
	"ECONNRESET":   syscall.ECONNRESET,
}

func init() {
	exception.RegisterErrorType("ErrInvalidConn", mysql.ErrInvalidConn)
}

// ErrorClassifier matches driver errors against a configured list of names.
type ErrorClassifier struct {
	names   []string
	numbers map[uint16]struct{}
	errnos  []syscall.Errno
	dial    bool
}

// NewErrorClassifier builds a classifier. An empty list falls back to DefaultTransientErrors.
// Entries that parse as an integer match *mysql.MySQLError numbers, "dial" matches failed dials,
// ECONNREFUSED and ECONNRESET match the socket errno; any other entry is resolved with
// exception.IsErrorOfType (registered name, Go type name or message substring).
func NewErrorClassifier(names []string) *ErrorClassifier {
	if len(names) == 0 {
		names = DefaultTransientErrors
	}
	c := &ErrorClassifier{numbers: make(map[uint16]struct{})}
	for _, name := range names {
		if n, err := strconv.ParseUint(name, 10, 16); err == nil {
			c.numbers[uint16(n)] = struct{}{}
			continue
		}
		if name == dialEntry {
			c.dial = true
			continue
		}
		if errno, ok := errnoEntries[name]; ok {
			c.errnos = append(c.errnos, errno)
			continue
		}
		c.names = append(c.names, name)
	}
	return c
}

// IsConnectionLost reports whether err is a lost-connection failure.
// Cancellation of the caller's context is never transient.
func (c *ErrorClassifier) IsConnectionLost(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if _, ok := c.numbers[myErr.Number]; ok {
			return true
		}
	}
	if c.dial {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return true
		}
	}
	for _, errno := range c.errnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	for _, name := range c.names {
		if exception.IsErrorOfType(err, name) {
			return true
		}
	}
	return false
}

var _ database.Classifier = (*ErrorClassifier)(nil)
