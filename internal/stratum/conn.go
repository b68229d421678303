package stratum

import (
	"bytes"
	"context"
	"crypto/tls"
	stderrors "errors"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/bardlex/gominer/pkg/errors"
)

const (
	// maxLineSize bounds a single Stratum line kept in the receive buffer
	maxLineSize  = 1 << 20
	writeTimeout = 30 * time.Second
	keepAlive    = 30 * time.Second
)

// Dialer opens a transport to a pool URL
type Dialer func(ctx context.Context, poolURL string) (net.Conn, error)

// ParseURL splits a pool URL into a dial address and whether TLS is used.
// Accepted schemes are stratum+tcp and stratum+tls (or stratum+ssl).
func ParseURL(poolURL string) (addr string, useTLS bool, err error) {
	const op = "parse_url"

	u, err := url.Parse(poolURL)
	if err != nil {
		return "", false, errors.Wrap(err, errors.ErrorTypeValidation, op, "invalid pool url")
	}

	switch strings.ToLower(u.Scheme) {
	case "stratum+tcp", "tcp":
	case "stratum+tls", "stratum+ssl", "tls", "ssl":
		useTLS = true
	default:
		return "", false, errors.Newf(errors.ErrorTypeValidation, op, "unsupported scheme %q", u.Scheme)
	}

	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return "", false, errors.Wrap(err, errors.ErrorTypeValidation, op, "pool url needs host:port")
	}
	return u.Host, useTLS, nil
}

// NewDialer returns a Dialer with the given connect timeout. A non-empty
// proxyURL (socks5://host:port) routes connections through that proxy.
func NewDialer(proxyURL string, timeout time.Duration) (Dialer, error) {
	base := &net.Dialer{Timeout: timeout, KeepAlive: keepAlive}

	var forward proxy.ContextDialer = base
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "dial", "invalid proxy url")
		}
		d, err := proxy.FromURL(u, base)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "dial", "unsupported proxy")
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New(errors.ErrorTypeConfig, "dial", "proxy dialer does not support contexts")
		}
		forward = cd
	}

	return func(ctx context.Context, poolURL string) (net.Conn, error) {
		const op = "connect"

		addr, useTLS, err := ParseURL(poolURL)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		conn, err := forward.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, op, "failed to connect to pool").
				WithContext("url", poolURL)
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		if useTLS {
			host, _, _ := net.SplitHostPort(addr)
			tc := tls.Client(conn, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
			if err := tc.HandshakeContext(ctx); err != nil {
				_ = conn.Close()
				return nil, errors.Wrap(err, errors.ErrorTypeNetwork, op, "tls handshake failed").
					WithContext("url", poolURL)
			}
			conn = tc
		}
		return conn, nil
	}, nil
}

// lineConn frames a stream into newline-terminated lines. Bytes past the
// first newline stay buffered for the next call.
type lineConn struct {
	conn net.Conn
	buf  []byte
}

func newLineConn(conn net.Conn) *lineConn {
	return &lineConn{conn: conn, buf: make([]byte, 0, readChunkSize)}
}

// readLine returns the next non-empty line without its terminator.
func (c *lineConn) readLine(timeout time.Duration) (string, error) {
	const op = "recv_line"

	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			line := string(bytes.TrimSpace(c.buf[:i]))
			c.buf = append(c.buf[:0], c.buf[i+1:]...)
			if line == "" {
				continue
			}
			return line, nil
		}
		if len(c.buf) > maxLineSize {
			c.buf = c.buf[:0]
			return "", errors.New(errors.ErrorTypeProtocol, op, "line exceeds maximum size")
		}

		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeNetwork, op, "failed to set read deadline")
		}

		chunk := getReadBuffer()
		n, err := c.conn.Read(*chunk)
		c.buf = append(c.buf, (*chunk)[:n]...)
		putReadBuffer(chunk)

		if err != nil {
			if bytes.IndexByte(c.buf, '\n') >= 0 {
				continue
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				return "", errors.Wrap(err, errors.ErrorTypeTimeout, op, "receive timed out").
					WithContext("timeout", timeout.String())
			}
			return "", errors.Wrap(err, errors.ErrorTypeNetwork, op, "connection read failed")
		}
	}
}

// writeLine writes data followed by a newline.
func (c *lineConn) writeLine(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "send_line", "failed to set write deadline")
	}
	line := make([]byte, 0, len(data)+1)
	line = append(append(line, data...), '\n')
	if _, err := c.conn.Write(line); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "send_line", "connection write failed")
	}
	return nil
}

func (c *lineConn) close() error {
	return c.conn.Close()
}
