package modem

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/cellmqtt/at"
)

// Channel is the half-duplex command link to the modem. At most one
// Exchange may be in flight at a time.
type Channel interface {
	// Exchange writes cmd followed by CRLF and returns everything buffered
	// once result has been seen on a completed line, a final error line
	// arrived, settle elapsed or ctx ended. The returned text also carries
	// unsolicited output that was pending before the write.
	Exchange(ctx context.Context, cmd string, settle time.Duration, result string) (string, error)
	// Drain returns pending unsolicited output without blocking.
	Drain(ctx context.Context) (string, error)
	Close() error
}

// maxPending bounds the unsolicited backlog kept between drains.
const maxPending = 64 * 1024

// Port is a Channel over a Transport. A single pump goroutine is the only
// reader of the transport; it appends into a buffer that Exchange and Drain
// consume.
type Port struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	logger    *slog.Logger

	// exchangeMu keeps the link half-duplex
	exchangeMu sync.Mutex

	mu      sync.Mutex
	pending bytes.Buffer
	readErr error
	closed  bool

	// arrived is signalled whenever the pump appends data or stops
	arrived chan struct{}
	done    chan struct{}
}

// Open dials the modem and starts reading from it.
func Open(ctx context.Context, dialer Dialer, logger *slog.Logger) (*Port, error) {
	if dialer == nil {
		return nil, ErrNoDialer
	}
	transport, err := dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}
	return NewPort(transport, logger), nil
}

// NewPort wraps an already connected Transport.
func NewPort(transport Transport, logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Port{
		transport: transport,
		logger:    logger,
		arrived:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *Port) pump() {
	defer close(p.done)
	buf := make([]byte, 256)
	for {
		n, err := p.transport.Read(buf)
		if n > 0 {
			p.mu.Lock()
			if p.pending.Len()+n > maxPending {
				p.logger.Warn("receive backlog overflow, dropping buffered data", "dropped", p.pending.Len())
				p.pending.Reset()
			}
			p.pending.Write(buf[:n])
			p.mu.Unlock()
			p.signal()
		}
		if err != nil {
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
			p.signal()
			return
		}
	}
}

func (p *Port) signal() {
	select {
	case p.arrived <- struct{}{}:
	default:
	}
}

// Exchange implements Channel.
func (p *Port) Exchange(ctx context.Context, cmd string, settle time.Duration, result string) (string, error) {
	p.exchangeMu.Lock()
	defer p.exchangeMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrAlreadyClosed
	}
	// Completion is only judged on bytes that arrive after the write.
	start := p.pending.Len()
	p.mu.Unlock()

	wire := strings.TrimRight(cmd, at.CRLF) + at.CRLF
	p.logger.Debug("sending command", "command", cmd, "settle", settle)
	if _, err := p.transport.Write([]byte(wire)); err != nil {
		return "", fmt.Errorf("write command %q: %w", cmd, err)
	}

	timer := time.NewTimer(settle)
	defer timer.Stop()

	for {
		p.mu.Lock()
		fresh := p.pending.Bytes()
		if start > len(fresh) {
			start = 0
		}
		fresh = fresh[start:]
		complete := at.Terminated(fresh, result) || at.Final(fresh)
		readErr := p.readErr
		p.mu.Unlock()

		if complete {
			return p.take(cmd), nil
		}
		if readErr != nil {
			return p.take(cmd), fmt.Errorf("read error: %w", readErr)
		}

		select {
		case <-ctx.Done():
			return p.take(cmd), ctx.Err()
		case <-timer.C:
			return p.take(cmd), nil
		case <-p.arrived:
		}
	}
}

func (p *Port) take(cmd string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp := p.pending.String()
	p.pending.Reset()
	p.logger.Debug("received response", "command", cmd, "response", resp)
	return resp
}

// Drain implements Channel.
func (p *Port) Drain(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrAlreadyClosed
	}
	resp := p.pending.String()
	p.pending.Reset()
	if resp == "" && p.readErr != nil {
		return "", fmt.Errorf("read error: %w", p.readErr)
	}
	return resp, nil
}

// Close shuts down the port and releases the transport. After calling
// Close(), the port cannot be reused.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrAlreadyClosed
	}
	p.closed = true
	p.mu.Unlock()

	return p.transport.Close()
}

// Done is closed once the reader goroutine has stopped.
func (p *Port) Done() <-chan struct{} {
	return p.done
}
