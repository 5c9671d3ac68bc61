package syslog

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// transport is one established connection to the collector. Implementations
// are udpTransport, tcpTransport and tlsTransport.
type transport interface {
	// send delivers one record, adding framing where the protocol needs it.
	send(msg []byte) error
	// stream reports whether failed sends should be retried.
	stream() bool
	// close shuts the connection down gracefully.
	close() error
}

type dialFunc func(ctx context.Context) (transport, error)

func dialerFor(cfg Config) dialFunc {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	writeTimeout := cfg.DialTimeout

	switch cfg.Protocol {
	case ProtocolTCP:
		return func(ctx context.Context) (transport, error) {
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("syslog: dial tcp %s: %w", addr, err)
			}
			return &tcpTransport{streamConn{conn: conn, writeTimeout: writeTimeout}}, nil
		}
	case ProtocolTLS:
		td := &tls.Dialer{
			NetDialer: d,
			Config: &tls.Config{
				ServerName:         cfg.Host,
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
		}
		return func(ctx context.Context) (transport, error) {
			conn, err := td.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("syslog: dial tls %s: %w", addr, err)
			}
			return &tlsTransport{streamConn{conn: conn, writeTimeout: writeTimeout}}, nil
		}
	default:
		return func(ctx context.Context) (transport, error) {
			conn, err := d.DialContext(ctx, "udp", addr)
			if err != nil {
				return nil, fmt.Errorf("syslog: dial udp %s: %w", addr, err)
			}
			return &udpTransport{conn: conn}, nil
		}
	}
}

// udpTransport sends one datagram per record.
type udpTransport struct {
	conn net.Conn
}

func (t *udpTransport) send(msg []byte) error {
	_, err := t.conn.Write(msg)
	return err
}

func (t *udpTransport) stream() bool { return false }

func (t *udpTransport) close() error { return t.conn.Close() }

// streamConn frames records with a trailing newline.
type streamConn struct {
	conn         net.Conn
	writeTimeout time.Duration
}

func (s *streamConn) send(msg []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	frame := make([]byte, 0, len(msg)+1)
	frame = append(frame, msg...)
	frame = append(frame, '\n')
	_, err := s.conn.Write(frame)
	return err
}

func (s *streamConn) stream() bool { return true }

type closeWriter interface {
	CloseWrite() error
}

// close half-closes the write side first so the peer sees a clean EOF
// after the last record.
func (s *streamConn) close() error {
	if cw, ok := s.conn.(closeWriter); ok {
		if s.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		_ = cw.CloseWrite()
	}
	return s.conn.Close()
}

// tcpTransport is a plain TCP stream.
type tcpTransport struct {
	streamConn
}

// tlsTransport is a TLS stream; CloseWrite sends close_notify.
type tlsTransport struct {
	streamConn
}
