package smb

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/irisemr/devicebridge/shellsafe"
)

// ConnConfig is the connection snapshot for one device share.
type ConnConfig struct {
	Host     string
	Share    string
	Domain   string
	Username string
	Password string
}

// Conn is one mounted share. Paths are in wire (backslash) form.
// The production implementation wraps go-smb2; tests substitute an
// in-memory tree.
type Conn interface {
	ReadDir(path string) ([]os.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	MkdirAll(path string) error
	Remove(path string) error
	Stat(path string) (os.FileInfo, error)
	Close() error
}

// Dialer establishes SMB sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnConfig) (Conn, error)
}

const smbPort = "445"

type smbDialer struct {
	dialTimeout time.Duration
}

// NewDialer returns the production SMB2/3 dialer.
func NewDialer() Dialer {
	return &smbDialer{dialTimeout: 10 * time.Second}
}

func (d *smbDialer) Dial(ctx context.Context, cfg ConnConfig) (Conn, error) {
	if err := shellsafe.ValidateHost(cfg.Host); err != nil {
		return nil, err
	} else if err := shellsafe.ValidateShareName(cfg.Share); err != nil {
		return nil, err
	}

	var user, password = cfg.Username, cfg.Password
	if user == "" || user == "guest" {
		user, password = "guest", ""
	}

	var tcp, err = (&net.Dialer{Timeout: d.dialTimeout}).DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, smbPort))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Host, err)
	}

	var smbd = &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     user,
			Password: password,
			Domain:   cfg.Domain,
		},
	}
	session, err := smbd.DialContext(ctx, tcp)
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("SMB session with %s: %w", cfg.Host, err)
	}
	share, err := session.Mount(cfg.Share)
	if err != nil {
		_ = session.Logoff()
		_ = tcp.Close()
		return nil, fmt.Errorf("mounting %s on %s: %w", cfg.Share, cfg.Host, err)
	}
	return &smbConn{tcp: tcp, session: session, share: share}, nil
}

type smbConn struct {
	tcp     net.Conn
	session *smb2.Session
	share   *smb2.Share
}

func (c *smbConn) ReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}
	return c.share.ReadDir(path)
}

func (c *smbConn) ReadFile(path string) ([]byte, error) {
	return c.share.ReadFile(path)
}

func (c *smbConn) WriteFile(path string, data []byte) error {
	return c.share.WriteFile(path, data, 0o644)
}

func (c *smbConn) MkdirAll(path string) error {
	return c.share.MkdirAll(path, 0o755)
}

func (c *smbConn) Remove(path string) error {
	return c.share.Remove(path)
}

func (c *smbConn) Stat(path string) (os.FileInfo, error) {
	return c.share.Stat(path)
}

func (c *smbConn) Close() error {
	var err = c.share.Umount()
	if logoffErr := c.session.Logoff(); err == nil {
		err = logoffErr
	}
	if closeErr := c.tcp.Close(); err == nil {
		err = closeErr
	}
	return err
}
