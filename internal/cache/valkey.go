package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValkeyProvider implements Provider against a Valkey/Redis-compatible
// server over a single pooled connection. Commands are serialized; the
// classification dispatcher is the only caller and is itself serial.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// ValkeyConfig holds connection parameters for the cache server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          bool
}

// NewValkeyProvider dials and authenticates against the configured server,
// failing fast when credentials or connectivity are wrong.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}

	p := &ValkeyProvider{cfg: cfg}
	if err := p.connect(); err != nil {
		return nil, err
	}
	if _, err := p.roundTrip(context.Background(), "PING"); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.roundTrip(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, ErrCacheMiss
	}
	return reply, nil
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.roundTrip(ctx, args...)
	if err != nil {
		return err
	}
	if !strings.EqualFold(string(reply), "OK") {
		return fmt.Errorf("unexpected SET response: %s", reply)
	}
	return nil
}

// Del removes a key from the cache.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.roundTrip(ctx, "DEL", key)
	return err
}

// Close tears down the connection.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *ValkeyProvider) connect() error {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, splitErr := net.SplitHostPort(p.cfg.Addr); splitErr == nil {
			host = h
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
	} else {
		conn, err = dialer.Dial("tcp", p.cfg.Addr)
	}
	if err != nil {
		return err
	}

	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.writer = bufio.NewWriter(conn)

	if p.cfg.Password != "" {
		args := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			args = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		if reply, err := p.exchange(args...); err != nil {
			conn.Close()
			p.conn = nil
			return fmt.Errorf("auth: %w", err)
		} else if !strings.EqualFold(string(reply), "OK") {
			conn.Close()
			p.conn = nil
			return fmt.Errorf("auth failed: %s", reply)
		}
	}
	if p.cfg.DB > 0 {
		if reply, err := p.exchange("SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			conn.Close()
			p.conn = nil
			return fmt.Errorf("select db: %w", err)
		} else if !strings.EqualFold(string(reply), "OK") {
			conn.Close()
			p.conn = nil
			return fmt.Errorf("select db failed: %s", reply)
		}
	}
	return nil
}

// roundTrip sends one command and reads one reply, reconnecting once on a
// broken connection.
func (p *ValkeyProvider) roundTrip(ctx context.Context, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.connect(); err != nil {
			return nil, err
		}
	}

	reply, err := p.exchange(args...)
	if err == nil {
		return reply, nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		p.conn.Close()
		p.conn = nil
		if reconnectErr := p.connect(); reconnectErr != nil {
			return nil, reconnectErr
		}
		return p.exchange(args...)
	}
	return nil, err
}

// exchange writes a RESP command array and parses a single reply. Callers
// must hold the mutex.
func (p *ValkeyProvider) exchange(args ...string) ([]byte, error) {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return nil, err
	}
	fmt.Fprintf(p.writer, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(p.writer, "$%d\r\n%s\r\n", len(arg), arg)
	}
	if err := p.writer.Flush(); err != nil {
		return nil, err
	}

	if err := p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		return nil, err
	}
	return p.readReply()
}

// readReply parses the RESP subset the provider issues: simple strings,
// errors, integers and bulk strings. A nil slice with nil error encodes
// the RESP null bulk string.
func (p *ValkeyProvider) readReply() ([]byte, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, errors.New("empty RESP reply")
	}

	switch line[0] {
	case '+', ':':
		return line[1:], nil
	case '-':
		return nil, errors.New(string(line[1:]))
	case '$':
		size, err := strconv.Atoi(string(line[1:]))
		if err != nil {
			return nil, fmt.Errorf("bad bulk length: %w", err)
		}
		if size < 0 {
			return nil, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(p.reader, buf); err != nil {
			return nil, err
		}
		return buf[:size], nil
	default:
		return nil, fmt.Errorf("unexpected RESP prefix %q", line[0])
	}
}

func (p *ValkeyProvider) readLine() ([]byte, error) {
	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = bytesTrimCRLF(line)
	return line, nil
}

func bytesTrimCRLF(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
