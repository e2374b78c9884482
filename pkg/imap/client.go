// Package imap wraps the go-imap v2 client with the connection handling and
// CONDSTORE delta fetching the sync engine needs.
package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/condsync/condsync/pkg/logging"
	"github.com/condsync/condsync/pkg/reliability"
)

// debugWriter captures IMAP protocol traffic for trace logging. Login
// commands are redacted and everything else is summarized to byte counts.
type debugWriter struct {
	logger *zerolog.Logger
}

func (w *debugWriter) Write(p []byte) (n int, err error) {
	data := strings.TrimSpace(string(p))
	if strings.Contains(strings.ToUpper(data), "LOGIN") {
		w.logger.Trace().Str("imap_data", "[LOGIN - credentials redacted]").Msg("IMAP protocol")
	} else {
		w.logger.Trace().Str("imap_data", logging.SummarizeIMAPData(data)).Msg("IMAP protocol")
	}
	return len(p), nil
}

// ClientConfig holds the connection parameters for one account.
type ClientConfig struct {
	Email    string
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
}

// Client is a single authenticated IMAP connection. It is not safe for
// concurrent use; each folder worker owns its own Client.
type Client struct {
	cfg  ClientConfig
	log  *zerolog.Logger
	conn *imapclient.Client

	selected   string
	unilateral chan struct{}
}

// NewClient creates an unconnected client for the given account endpoint.
func NewClient(cfg ClientConfig, log *zerolog.Logger) *Client {
	return &Client{cfg: cfg, log: log}
}

// Connect dials the server and authenticates. Authentication rejection is
// returned as a reliability.AuthError so the liveness monitor can mark the
// account invalid rather than retry.
func (c *Client) Connect() error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	var conn net.Conn
	var err error
	if c.cfg.TLS {
		conn, err = tls.Dial("tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	c.unilateral = make(chan struct{}, 1)
	c.conn = imapclient.New(conn, &imapclient.Options{
		DebugWriter: &debugWriter{logger: c.log},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(*imapclient.UnilateralDataMailbox) { c.notify() },
			Expunge: func(uint32) { c.notify() },
		},
	})

	if err := c.conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		c.conn.Close()
		c.conn = nil
		return &reliability.AuthError{
			Account: logging.MaskEmail(c.cfg.Email),
			Message: err.Error(),
		}
	}

	c.selected = ""
	c.log.Debug().Str("host", c.cfg.Host).Msg("connected to IMAP server")
	return nil
}

// notify records a server-pushed update without blocking the reader
// goroutine. The channel holds at most one pending signal.
func (c *Client) notify() {
	select {
	case c.unilateral <- struct{}{}:
	default:
	}
}

// takeUnilateral exposes the pending-update channel for IDLE waits.
func (c *Client) takeUnilateral() <-chan struct{} {
	return c.unilateral
}

// Connected reports whether the client holds a live connection.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// Select opens the named mailbox with CONDSTORE enabled when the server
// supports it and returns the server's view of the folder.
func (c *Client) Select(folder string) (*goimap.SelectData, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("selecting %q: not connected", folder)
	}
	opts := &goimap.SelectOptions{CondStore: c.SupportsCondStore()}
	data, err := c.conn.Select(folder, opts).Wait()
	if err != nil {
		return nil, fmt.Errorf("selecting %q: %w", folder, err)
	}
	c.selected = folder
	return data, nil
}

// SupportsCondStore reports whether the server advertises CONDSTORE.
func (c *Client) SupportsCondStore() bool {
	if c.conn == nil {
		return false
	}
	return c.conn.Caps().Has(goimap.CapCondStore)
}

// SupportsIdle reports whether the server advertises IDLE.
func (c *Client) SupportsIdle() bool {
	if c.conn == nil {
		return false
	}
	return c.conn.Caps().Has(goimap.CapIdle)
}

// ListFolders returns the names of selectable mailboxes.
func (c *Client) ListFolders() ([]string, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("listing folders: not connected")
	}
	boxes, err := c.conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	var names []string
	for _, mb := range boxes {
		selectable := true
		for _, attr := range mb.Attrs {
			if attr == goimap.MailboxAttrNoSelect {
				selectable = false
				break
			}
		}
		if selectable {
			names = append(names, mb.Mailbox)
		}
	}
	return names, nil
}

// Close logs out gracefully, force-closing the connection on error.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout().Wait()
	c.conn.Close()
	c.conn = nil
	c.selected = ""
	if err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}
