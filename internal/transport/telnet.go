// Copyright (c) 2026 ThongSSH Team
// ThongSSH - SSH/Telnet session core
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/lknsfos/thongssh/internal/logging"
	"github.com/lknsfos/thongssh/internal/model"
	"github.com/lknsfos/thongssh/internal/security"
)

// Telnet protocol bytes (RFC 854/855).
const (
	telnetSE   = 240
	telnetSB   = 250
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
	telnetIAC  = 255

	optBinary = 0
	optEcho   = 1
	optSGA    = 3
	optNAWS   = 31
)

// telnetDialer dials telnet hosts. There is no transport-level
// authentication; any login happens over the negotiated byte stream and is
// the responsibility of the caller.
type telnetDialer struct {
	cfg Config
}

// Dial connects to the host. The secret is ignored; telnet has no transport
// auth step.
func (d *telnetDialer) Dial(ctx context.Context, host model.HostDescriptor, secret security.Secret) (Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout}
	nc, err := nd.DialContext(ctx, "tcp", host.Addr())
	if err != nil {
		return nil, classifyDialError(host.Address, err)
	}
	return newTelnetConn(nc, host), nil
}

// telnetConn filters the telnet option negotiation out of the byte stream.
// Policy: refuse every option the server asks of us except NAWS (window
// size) and, when the host is configured for it, BINARY; accept the server
// doing ECHO and SGA, which is the classic character-at-a-time setup.
type telnetConn struct {
	raw    net.Conn
	br     *bufio.Reader
	binary bool

	writeMu sync.Mutex // serializes user writes and negotiation replies

	mu      sync.Mutex
	nawsOn  bool
	rows    int
	cols    int
	waitCh  chan error
	waitSet bool
	closed  bool
}

func newTelnetConn(nc net.Conn, host model.HostDescriptor) *telnetConn {
	return &telnetConn{
		raw:    nc,
		br:     bufio.NewReader(nc),
		binary: host.TelnetBinary,
		rows:   24,
		cols:   80,
		waitCh: make(chan error, 1),
	}
}

// Read returns the next chunk of application data, handling any interleaved
// negotiation. It blocks until at least one data byte arrives or the
// connection dies.
func (c *telnetConn) Read(p []byte) (int, error) {
	n := 0
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			c.recordDeath(err)
			return n, err
		}
		if b == telnetIAC {
			data, ok, err := c.handleIAC()
			if err != nil {
				c.recordDeath(err)
				return n, err
			}
			if ok {
				p[n] = data
				n++
			}
		} else {
			p[n] = b
			n++
		}
		// Return once we have data and nothing more is buffered, or p is full.
		if n == len(p) || (n > 0 && c.br.Buffered() == 0) {
			return n, nil
		}
	}
}

// handleIAC consumes one command after an IAC byte. An escaped IAC IAC pair
// yields a literal 0xFF data byte, returned with ok=true.
func (c *telnetConn) handleIAC() (data byte, ok bool, err error) {
	cmd, err := c.br.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch cmd {
	case telnetIAC:
		return telnetIAC, true, nil
	case telnetDO, telnetDONT, telnetWILL, telnetWONT:
		opt, err := c.br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return 0, false, c.negotiate(cmd, opt)
	case telnetSB:
		// Skip subnegotiation payload up to IAC SE.
		for {
			b, err := c.br.ReadByte()
			if err != nil {
				return 0, false, err
			}
			if b != telnetIAC {
				continue
			}
			next, err := c.br.ReadByte()
			if err != nil {
				return 0, false, err
			}
			if next == telnetSE {
				return 0, false, nil
			}
		}
	default:
		// NOP, GA, and friends carry no payload.
		return 0, false, nil
	}
}

func (c *telnetConn) negotiate(cmd, opt byte) error {
	switch cmd {
	case telnetDO:
		switch {
		case opt == optNAWS:
			c.mu.Lock()
			c.nawsOn = true
			rows, cols := c.rows, c.cols
			c.mu.Unlock()
			if err := c.reply(telnetWILL, opt); err != nil {
				return err
			}
			return c.sendWindowSize(rows, cols)
		case opt == optBinary && c.binary:
			return c.reply(telnetWILL, opt)
		case opt == optSGA:
			return c.reply(telnetWILL, opt)
		default:
			return c.reply(telnetWONT, opt)
		}
	case telnetDONT:
		if opt == optNAWS {
			c.mu.Lock()
			c.nawsOn = false
			c.mu.Unlock()
		}
		return nil
	case telnetWILL:
		switch {
		case opt == optEcho || opt == optSGA:
			return c.reply(telnetDO, opt)
		case opt == optBinary && c.binary:
			return c.reply(telnetDO, opt)
		default:
			return c.reply(telnetDONT, opt)
		}
	case telnetWONT:
		return nil
	}
	return nil
}

func (c *telnetConn) reply(cmd, opt byte) error {
	logging.Debugf("telnet: -> %d %d", cmd, opt)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.raw.Write([]byte{telnetIAC, cmd, opt})
	return err
}

// sendWindowSize sends a NAWS subnegotiation with the current size.
func (c *telnetConn) sendWindowSize(rows, cols int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := []byte{
		telnetIAC, telnetSB, optNAWS,
		byte(cols >> 8), byte(cols), byte(rows >> 8), byte(rows),
		telnetIAC, telnetSE,
	}
	_, err := c.raw.Write(buf)
	return err
}

// Write escapes IAC bytes and, outside binary mode, converts a bare CR into
// the CR NUL sequence RFC 854 requires.
func (c *telnetConn) Write(p []byte) (int, error) {
	out := make([]byte, 0, len(p)+8)
	for i := 0; i < len(p); i++ {
		b := p[i]
		out = append(out, b)
		switch {
		case b == telnetIAC:
			out = append(out, telnetIAC)
		case b == '\r' && !c.binary:
			if i+1 >= len(p) || p[i+1] != '\n' {
				out = append(out, 0)
			}
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.raw.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize records the new size and, when the server negotiated NAWS, sends it.
func (c *telnetConn) Resize(rows, cols int) error {
	c.mu.Lock()
	c.rows, c.cols = rows, cols
	on := c.nawsOn
	c.mu.Unlock()
	if !on {
		return nil
	}
	return c.sendWindowSize(rows, cols)
}

// OpenSftp is unsupported on telnet.
func (c *telnetConn) OpenSftp() (SftpChannel, error) { return nil, ErrSftpUnsupported }

// Wait reports transport death.
func (c *telnetConn) Wait() <-chan error { return c.waitCh }

func (c *telnetConn) recordDeath(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitSet {
		return
	}
	c.waitSet = true
	if c.closed || err == io.EOF {
		// A deliberate close, or the server ending the stream with an orderly
		// TCP shutdown after logout, is a clean exit rather than a drop.
		err = nil
	}
	c.waitCh <- err
	close(c.waitCh)
}

// Close shuts the socket down.
func (c *telnetConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.raw.Close()
	c.recordDeath(nil)
	return err
}
