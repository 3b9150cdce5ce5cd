package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	ErrShutdownTimeout = errors.New("shutdown timeout")
)

type UnknownProxyError struct {
	id string
}

func (e UnknownProxyError) Error() string {
	return fmt.Sprintf("unknown proxy: %s", e.id)
}

type UnknownRuleError struct {
	id string
}

func (e UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown rule: %s", e.id)
}

type UnknownConnectionError struct {
	id string
}

func (e UnknownConnectionError) Error() string {
	return fmt.Sprintf("unknown connection: %s", e.id)
}

// IsConnectionClosed reports whether err is the normal end of a
// relayed connection rather than a real failure.
func IsConnectionClosed(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
