package proxy

import (
	"io"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nitella/nitellad/internal/stats"
)

// countingConn forwards every read into the connection's shared byte
// counters. Reads from the client side count as bytes-in, reads from
// the backend side as bytes-out. Writes pass through untouched so the
// hot path takes no locks.
type countingConn struct {
	net.Conn

	stats   *stats.Service
	connID  string
	inbound bool
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		if c.inbound {
			c.stats.UpdateBytes(c.connID, uint64(n), 0)
		} else {
			c.stats.UpdateBytes(c.connID, 0, uint64(n))
		}
	}
	return n, err
}

// relay performs the bidirectional byte-transparent copy until either
// side reaches EOF/error or the cancellation signal fires. Closing
// both sockets unblocks the opposite copy, so cancellation interrupts
// promptly and the backend socket never leaks.
func (l *Listener) relay(
	client net.Conn,
	backend net.Conn,
	connID string,
	cancel <-chan struct{},
	logger zerolog.Logger,
) {
	src := &countingConn{
		Conn:    client,
		stats:   l.stats,
		connID:  connID,
		inbound: true,
	}
	dst := &countingConn{
		Conn:    backend,
		stats:   l.stats,
		connID:  connID,
		inbound: false,
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			logger.Info().
				Str("conn", connID).
				Msg("Connection terminated (admin or approval expiry)")
		case <-done:
		}
		client.Close()
		backend.Close()
	}()

	g := errgroup.Group{}
	g.Go(func() error {
		_, err := io.Copy(dst, src)
		// unblock the opposite direction
		client.Close()
		backend.Close()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(src, dst)
		client.Close()
		backend.Close()
		return err
	})

	if err := g.Wait(); err != nil && !IsConnectionClosed(err) {
		logger.Error().Err(err).Msg("Connection error")
	}
	close(done)
}
