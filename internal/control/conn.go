package control

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cmastudios/mcmdd/internal/config"
	"github.com/cmastudios/mcmdd/internal/registry"
	"github.com/cmastudios/mcmdd/internal/session"
)

const (
	readTimeout  = 10 * time.Second
	maxLineBytes = 256
)

// Literal wire responses, adopted verbatim from the original protocol.
const (
	invalidCmd  = "ERR Invalid command.\n"
	needKey     = "OK Need key.\n"
	needServer  = "OK Need server.\n"
	badKey      = "BADKEY\n"
	okKey       = "OK Logged in.\n"
	internalErr = "ERR Internal error.\n"
	okExec      = "OK Command sent.\n"
	serverOff   = "ERR Server is off.\n"
	logStart    = "OK Send start.\n"
	logEnd      = "OK Send end.\n"
)

type conn struct {
	nc  net.Conn
	cfg *config.Config
	reg *registry.Registry
	log *zap.Logger

	serverID  string
	key       string
	serverSet bool // a SERVER command has been issued at least once this connection
	keySet    bool // a KEY command has been issued at least once this connection
	valid     bool
	sess      *session.Session
	keepAlive bool
}

func newConn(nc net.Conn, cfg *config.Config, reg *registry.Registry, log *zap.Logger) *conn {
	return &conn{nc: nc, cfg: cfg, reg: reg, log: log}
}

func (c *conn) serve() {
	defer c.nc.Close()

	c.write(AppName)

	reader := bufio.NewReader(c.nc)
	for {
		line, err := c.readLine(reader)
		if err != nil {
			if err == errTimeout && c.keepAlive {
				continue
			}
			return
		}

		c.handle(line)

		if c.valid {
			c.sess = c.reg.Get(c.serverID)
			if c.sess == nil {
				c.write(internalErr)
				return
			}
		} else {
			c.sess = nil
		}
	}
}

var errTimeout = fmt.Errorf("control: read timeout")
var errOverflow = fmt.Errorf("control: line too long")

// readLine reads one LF-terminated line, capped at maxLineBytes, honoring
// the 10s timeout unless KEEPALIVE has been issued on this connection.
func (c *conn) readLine(r *bufio.Reader) (string, error) {
	if c.keepAlive {
		c.nc.SetReadDeadline(time.Time{})
	} else {
		c.nc.SetReadDeadline(time.Now().Add(readTimeout))
	}

	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return "", errTimeout
			}
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(string(buf), "\r"), nil
		}
		if len(buf) >= maxLineBytes {
			return "", errOverflow
		}
		buf = append(buf, b)
	}
}

func (c *conn) write(s string) {
	_, _ = c.nc.Write([]byte(s))
}

// handle dispatches a single command line and recomputes auth validity,
// mirroring the original control_read's per-line revalidation.
func (c *conn) handle(line string) {
	switch {
	case strings.HasPrefix(line, "SERVER "):
		c.serverID = strings.TrimPrefix(line, "SERVER ")
		c.serverSet = true
		c.valid = c.checkValid()
		switch {
		case !c.keySet:
			// Purposely doesn't distinguish an unknown server, to avoid
			// leaking the set of managed ids.
			c.write(needKey)
		case c.valid:
			c.write(okKey)
		default:
			c.write(badKey)
		}

	case strings.HasPrefix(line, "KEY "):
		c.key = strings.TrimPrefix(line, "KEY ")
		c.keySet = true
		c.valid = c.checkValid()
		switch {
		case !c.serverSet:
			c.write(needServer)
		case c.valid:
			c.write(okKey)
		default:
			c.write(badKey)
		}

	case strings.HasPrefix(line, "EXEC "):
		if c.sess == nil {
			c.write(badKey)
			return
		}
		msg := strings.TrimPrefix(line, "EXEC ") + "\n"
		if err := c.sess.Send(msg); err != nil {
			c.write(serverOff)
		} else {
			c.write(okExec)
		}

	case line == "KILL":
		if c.sess == nil {
			c.write(badKey)
			return
		}
		if err := c.sess.Kill(session.ExitPause); err != nil {
			c.write(internalErr)
		} else {
			c.write(okExec)
		}

	case line == "STOP":
		if c.sess == nil {
			c.write(badKey)
			return
		}
		c.sess.Stop(session.ExitPause)
		c.write(okExec)

	case line == "RESTART":
		if c.sess == nil {
			c.write(badKey)
			return
		}
		c.sess.Stop(session.ExitRestart)
		c.write(okExec)

	case line == "START":
		if c.sess == nil {
			c.write(badKey)
			return
		}
		c.sess.Resume()
		c.write(okExec)

	case line == "STATUS":
		if c.sess == nil {
			c.write(badKey)
			return
		}
		c.write(fmt.Sprintf("OK Stats %d %.0f\n", int(c.sess.Status()), c.sess.Uptime().Seconds()))

	case line == "LOG" || strings.HasPrefix(line, "LOG "):
		if c.sess == nil {
			c.write(badKey)
			return
		}
		var hint string
		if len(line) > 3 && line[3] == ' ' {
			hint = line[4:]
		}
		c.sendLog(hint)

	case line == "KEEPALIVE":
		c.keepAlive = true

	default:
		c.write(invalidCmd)
	}
}

func (c *conn) sendLog(hint string) {
	c.write(logStart)
	lines := c.sess.Log.Snapshot(hint)
	if len(lines) > 0 {
		c.write(strings.Join(lines, "\n") + "\n")
	}
	c.write(logEnd)
}

// checkValid recomputes whether the current (serverID, key) pair is
// authenticated, reproducing control.c's valid().
func (c *conn) checkValid() bool {
	if c.key == "" || c.serverID == "" {
		return false
	}
	if !c.reg.Has(c.serverID) {
		return false
	}
	allowed := c.cfg.ChildAuth(c.serverID)
	for _, tok := range strings.Fields(allowed) {
		if tok == c.key {
			return true
		}
	}
	return false
}
