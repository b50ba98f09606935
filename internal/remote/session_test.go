package remote

import (
	"errors"
	"testing"
	"time"
)

func TestNew_BuildsEverySupportedProtocol(t *testing.T) {
	for _, p := range Protocols() {
		sess, err := New(p, "meters.example.com", 0, Options{})
		if err != nil {
			t.Errorf("protocol %s: unexpected error: %v", p, err)
			continue
		}
		if sess == nil {
			t.Errorf("protocol %s: expected a session", p)
		}
		if sess.IsConnected() {
			t.Errorf("protocol %s: fresh session must not report connected", p)
		}
	}
}

func TestNew_UnknownProtocolFails(t *testing.T) {
	_, err := New(Protocol("GOPHER"), "meters.example.com", 0, Options{})
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("expected ErrInvalidProtocol, got %v", err)
	}
}

func TestProtocolValid(t *testing.T) {
	for _, p := range Protocols() {
		if !p.Valid() {
			t.Errorf("expected %s to be valid", p)
		}
	}
	if Protocol("gopher").Valid() {
		t.Error("expected unknown protocol to be invalid")
	}
}

func TestDefaultPorts(t *testing.T) {
	cases := []struct {
		protocol Protocol
		port     int
	}{
		{ProtocolFTP, 21},
		{ProtocolFTPS, 990},
		{ProtocolFTPES, 21},
	}
	for _, c := range cases {
		sess, err := New(c.protocol, "meters.example.com", 0, Options{})
		if err != nil {
			t.Fatalf("protocol %s: %v", c.protocol, err)
		}
		got := sess.(*ftpSession).port
		if got != c.port {
			t.Errorf("protocol %s: expected default port %d, got %d", c.protocol, c.port, got)
		}
	}

	sftp, err := New(ProtocolSFTP, "meters.example.com", 0, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := sftp.(*sftpSession).port; got != 22 {
		t.Errorf("expected SFTP default port 22, got %d", got)
	}
}

func TestExplicitPortIsKept(t *testing.T) {
	sess, err := New(ProtocolFTP, "meters.example.com", 2121, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := sess.(*ftpSession).port; got != 2121 {
		t.Errorf("expected port 2121, got %d", got)
	}
}

func TestSecureVariantsShareASessionCache(t *testing.T) {
	for _, p := range []Protocol{ProtocolFTPS, ProtocolFTPES} {
		sess, err := New(p, "meters.example.com", 0, Options{})
		if err != nil {
			t.Fatal(err)
		}
		fs := sess.(*ftpSession)
		if fs.tlsConfig == nil {
			t.Errorf("protocol %s: expected a TLS config", p)
			continue
		}
		if fs.tlsConfig.ClientSessionCache != fs.cache {
			t.Errorf("protocol %s: TLS config must use the counting session cache", p)
		}
		if fs.TLSResumptions() != 0 {
			t.Errorf("protocol %s: expected zero resumptions before any dial", p)
		}
	}
}

func TestPlainFTPHasNoTLS(t *testing.T) {
	sess, err := New(ProtocolFTP, "meters.example.com", 0, Options{})
	if err != nil {
		t.Fatal(err)
	}
	fs := sess.(*ftpSession)
	if fs.tlsConfig != nil {
		t.Error("plain FTP must not carry a TLS config")
	}
	if fs.TLSResumptions() != 0 {
		t.Error("plain FTP reports zero resumptions")
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	sess, err := New(ProtocolFTP, "meters.example.com", 0, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.ChangeDir("/readings"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from ChangeDir, got %v", err)
	}
	if err := sess.Fetch("file.txt", "/tmp/file.txt"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from Fetch, got %v", err)
	}
	// Disconnecting an unconnected session is a no-op
	sess.Disconnect()
}

func TestSetMode(t *testing.T) {
	sess, err := New(ProtocolFTP, "meters.example.com", 0, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ms, ok := sess.(ModeSetter)
	if !ok {
		t.Fatal("expected the FTP session to support transfer mode selection")
	}
	if err := ms.SetMode("TEXT"); err == nil {
		t.Error("expected error for an unknown transfer mode")
	}
	if err := ms.SetMode(TransferModeBinary); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected for a valid mode on an unconnected session, got %v", err)
	}

	sftpSess, err := New(ProtocolSFTP, "meters.example.com", 0, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sftpSess.(ModeSetter); ok {
		t.Error("SFTP sessions have no transfer mode to select")
	}
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	if opts.logger() == nil {
		t.Error("expected a fallback logger")
	}
	if opts.dialTimeout() != 30*time.Second {
		t.Errorf("expected 30s default dial timeout, got %v", opts.dialTimeout())
	}
	opts.DialTimeout = 5 * time.Second
	if opts.dialTimeout() != 5*time.Second {
		t.Errorf("expected configured timeout to win, got %v", opts.dialTimeout())
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("boom")
	var err error = &ConnectionError{Protocol: ProtocolFTPS, Host: "h", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("ConnectionError must unwrap its cause")
	}
	err = &NavigationError{Dir: "/readings", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("NavigationError must unwrap its cause")
	}
	err = &TransferError{RemoteName: "f.txt", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("TransferError must unwrap its cause")
	}
}

func TestFetchHooksFire(t *testing.T) {
	var h fetchHooks
	var calls []string
	h.OnBeforeFetch(func(_ Session, remote, local string) {
		calls = append(calls, "before:"+remote+":"+local)
	})
	h.OnAfterFetch(func(_ Session, remote, local string) {
		calls = append(calls, "after:"+remote)
	})

	h.fireBefore(nil, "f.txt", "/tmp/f.txt")
	h.fireAfter(nil, "f.txt", "/tmp/f.txt")

	if len(calls) != 2 || calls[0] != "before:f.txt:/tmp/f.txt" || calls[1] != "after:f.txt" {
		t.Errorf("unexpected hook calls: %v", calls)
	}
}

func TestSessionCacheCountsReuse(t *testing.T) {
	c := newSessionCache()
	if c.hits() != 0 {
		t.Fatalf("expected zero hits initially, got %d", c.hits())
	}
	// A miss does not count as reuse
	if _, ok := c.Get("meters.example.com:990"); ok {
		t.Fatal("expected a miss on an empty cache")
	}
	if c.hits() != 0 {
		t.Errorf("misses must not count as reuse, got %d", c.hits())
	}
}
