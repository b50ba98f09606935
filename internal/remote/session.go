package remote

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Protocol identifies one of the supported remote file transfer protocols
type Protocol string

const (
	ProtocolFTP   Protocol = "FTP"
	ProtocolFTPS  Protocol = "FTPS"  // implicit TLS
	ProtocolFTPES Protocol = "FTPES" // explicit TLS
	ProtocolSFTP  Protocol = "SFTP"
)

// Protocols returns every supported protocol value
func Protocols() []Protocol {
	return []Protocol{ProtocolFTP, ProtocolFTPS, ProtocolFTPES, ProtocolSFTP}
}

// Valid reports whether p is a supported protocol
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolFTP, ProtocolFTPS, ProtocolFTPES, ProtocolSFTP:
		return true
	}
	return false
}

// ErrInvalidProtocol is returned by the factory for unknown protocol values
var ErrInvalidProtocol = errors.New("invalid remote protocol")

// ErrNotConnected is the cause used when an operation requires an active session
var ErrNotConnected = errors.New("session is not connected")

// ConnectionError wraps a failure to establish or secure a session
type ConnectionError struct {
	Protocol Protocol
	Host     string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection to %s failed: %v", e.Protocol, e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NavigationError wraps a failure to change the remote working directory
type NavigationError struct {
	Dir string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("failed to change to directory %s: %v", e.Dir, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// TransferError wraps a failure to download a remote file
type TransferError struct {
	RemoteName string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to transfer file %s: %v", e.RemoteName, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// FetchHook is invoked around every file transfer. Hooks are for auditing
// only and must never be required for correctness.
type FetchHook func(s Session, remoteName, localPath string)

// Session is the protocol-agnostic contract over a remote file server.
// Connect and ChangeDir failures are fatal to the session; Disconnect is
// best-effort and never returns an error.
type Session interface {
	Connect(user, secret string) error
	ChangeDir(dir string) error
	Fetch(remoteName, localPath string) error
	Disconnect()
	IsConnected() bool

	OnBeforeFetch(FetchHook)
	OnAfterFetch(FetchHook)
}

// ModeSetter is implemented by the FTP family of sessions, which
// distinguish ASCII and binary transfers. SFTP always transfers bytes.
type ModeSetter interface {
	SetMode(TransferMode) error
}

// Options configures session construction
type Options struct {
	DialTimeout   time.Duration
	TLSSkipVerify bool
	Logger        *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 30 * time.Second
}

// fetchHooks carries the before/after fetch extension points shared by
// every session variant
type fetchHooks struct {
	before FetchHook
	after  FetchHook
}

func (h *fetchHooks) OnBeforeFetch(hook FetchHook) { h.before = hook }
func (h *fetchHooks) OnAfterFetch(hook FetchHook)  { h.after = hook }

func (h *fetchHooks) fireBefore(s Session, remoteName, localPath string) {
	if h.before != nil {
		h.before(s, remoteName, localPath)
	}
}

func (h *fetchHooks) fireAfter(s Session, remoteName, localPath string) {
	if h.after != nil {
		h.after(s, remoteName, localPath)
	}
}
