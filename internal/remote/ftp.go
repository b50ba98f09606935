package remote

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"
)

// TransferMode selects the FTP transfer type for subsequent downloads
type TransferMode string

const (
	TransferModeASCII  TransferMode = "ASC"
	TransferModeBinary TransferMode = "BIN"
)

// ftpSession implements Session over plain FTP, implicit FTPS and
// explicit FTPES. The variants differ only in how the control channel
// is dialed and whether data channels are encrypted.
type ftpSession struct {
	fetchHooks

	label  string
	host   string
	port   int
	opts   Options
	logger *zap.Logger

	// tlsConfig is nil for plain FTP. For FTPS/FTPES it carries a shared
	// client session cache, so every data channel resumes the control
	// channel's TLS session instead of negotiating a fresh handshake.
	// This replaces the close/unwrap suppression trick some servers need:
	// with resumption there is nothing to renegotiate per transfer.
	tlsConfig *tls.Config
	implicit  bool
	cache     *sessionCache

	conn *ftp.ServerConn
}

func newFTPSession(host string, port int, opts Options) *ftpSession {
	if port == 0 {
		port = 21
	}
	return &ftpSession{
		label:  "FTP",
		host:   host,
		port:   port,
		opts:   opts,
		logger: opts.logger(),
	}
}

func newFTPSSession(host string, port int, opts Options) *ftpSession {
	if port == 0 {
		port = 990
	}
	s := &ftpSession{
		label:    "FTPS",
		host:     host,
		port:     port,
		opts:     opts,
		logger:   opts.logger(),
		implicit: true,
	}
	s.cache = newSessionCache()
	s.tlsConfig = &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.TLSSkipVerify,
		ClientSessionCache: s.cache,
	}
	return s
}

func newFTPESSession(host string, port int, opts Options) *ftpSession {
	if port == 0 {
		port = 21
	}
	s := &ftpSession{
		label:  "FTPES",
		host:   host,
		port:   port,
		opts:   opts,
		logger: opts.logger(),
	}
	s.cache = newSessionCache()
	s.tlsConfig = &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.TLSSkipVerify,
		ClientSessionCache: s.cache,
	}
	return s
}

func (s *ftpSession) addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

func (s *ftpSession) dial() (*ftp.ServerConn, error) {
	dialOpts := []ftp.DialOption{ftp.DialWithTimeout(s.opts.dialTimeout())}
	switch {
	case s.tlsConfig != nil && s.implicit:
		// TLS handshake happens at socket creation, before any command
		dialOpts = append(dialOpts, ftp.DialWithTLS(s.tlsConfig))
	case s.tlsConfig != nil:
		// Plain control channel upgraded with AUTH TLS after connect
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(s.tlsConfig))
	}
	return ftp.Dial(s.addr(), dialOpts...)
}

func (s *ftpSession) Connect(user, secret string) error {
	s.logger.Debug("establishing connection",
		zap.String("protocol", s.label),
		zap.String("host", s.host),
		zap.Int("port", s.port),
		zap.String("user", user),
	)
	conn, err := s.dial()
	if err != nil {
		return &ConnectionError{Protocol: Protocol(s.label), Host: s.host, Err: err}
	}
	if err := conn.Login(user, secret); err != nil {
		_ = conn.Quit()
		return &ConnectionError{Protocol: Protocol(s.label), Host: s.host, Err: err}
	}
	s.conn = conn
	s.logger.Debug("connection established", zap.String("protocol", s.label))
	return nil
}

func (s *ftpSession) IsConnected() bool {
	if s.conn == nil {
		return false
	}
	return s.conn.NoOp() == nil
}

func (s *ftpSession) checkConnected() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (s *ftpSession) ChangeDir(dir string) error {
	s.logger.Debug("changing remote directory", zap.String("dir", dir))
	if err := s.checkConnected(); err != nil {
		return &NavigationError{Dir: dir, Err: err}
	}
	if err := s.conn.ChangeDir(dir); err != nil {
		return &NavigationError{Dir: dir, Err: err}
	}
	return nil
}

// SetMode switches the transfer type between ASCII and binary
func (s *ftpSession) SetMode(mode TransferMode) error {
	var t ftp.TransferType
	switch TransferMode(strings.ToUpper(string(mode))) {
	case TransferModeASCII:
		t = ftp.TransferTypeASCII
	case TransferModeBinary:
		t = ftp.TransferTypeBinary
	default:
		return fmt.Errorf("invalid transfer mode %q, valid values are ASC and BIN", mode)
	}
	s.logger.Debug("setting transfer mode", zap.String("mode", string(mode)))
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := s.conn.Type(t); err != nil {
		return fmt.Errorf("failed to set transfer mode %q: %w", mode, err)
	}
	return nil
}

func (s *ftpSession) Fetch(remoteName, localPath string) error {
	s.logger.Debug("downloading file",
		zap.String("remote", remoteName),
		zap.String("local", localPath),
	)
	if err := s.checkConnected(); err != nil {
		return &TransferError{RemoteName: remoteName, Err: err}
	}
	s.fireBefore(s, remoteName, localPath)

	resp, err := s.conn.Retr(remoteName)
	if err != nil {
		return &TransferError{RemoteName: remoteName, Err: err}
	}
	defer resp.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return &TransferError{RemoteName: remoteName, Err: err}
	}
	if _, err := io.Copy(local, resp); err != nil {
		local.Close()
		return &TransferError{RemoteName: remoteName, Err: err}
	}
	if err := local.Close(); err != nil {
		return &TransferError{RemoteName: remoteName, Err: err}
	}

	s.fireAfter(s, remoteName, localPath)
	return nil
}

func (s *ftpSession) Disconnect() {
	if s.conn == nil {
		return
	}
	// Polite quit first; force the connection closed when the server
	// does not cooperate
	if err := s.conn.Quit(); err != nil {
		s.logger.Debug("polite disconnect failed, closing unilaterally",
			zap.String("protocol", s.label),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("connection closed", zap.String("protocol", s.label))
	}
	s.conn = nil
}

// TLSResumptions reports how many data/control channels reused an
// established TLS session instead of paying a full handshake
func (s *ftpSession) TLSResumptions() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.hits()
}

// sessionCache decorates the stock LRU client session cache with hit
// accounting, making TLS session reuse across data channels observable
type sessionCache struct {
	mu    sync.Mutex
	inner tls.ClientSessionCache
	gets  int
	puts  int
}

func newSessionCache() *sessionCache {
	return &sessionCache{inner: tls.NewLRUClientSessionCache(8)}
}

func (c *sessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.inner.Get(key)
	if ok {
		c.gets++
	}
	return state, ok
}

func (c *sessionCache) Put(key string, state *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.inner.Put(key, state)
}

func (c *sessionCache) hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}
