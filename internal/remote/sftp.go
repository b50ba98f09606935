package remote

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// sftpSession implements Session over SSH. Transport dial, authentication
// and subsystem open happen as a single Connect step.
type sftpSession struct {
	fetchHooks

	host   string
	port   int
	opts   Options
	logger *zap.Logger

	sshClient *ssh.Client
	client    *sftp.Client
	// workDir emulates the working directory of the FTP variants; SFTP
	// has no server-side cwd, so Fetch joins it onto remote names
	workDir string
}

func newSFTPSession(host string, port int, opts Options) *sftpSession {
	if port == 0 {
		port = 22
	}
	return &sftpSession{
		host:   host,
		port:   port,
		opts:   opts,
		logger: opts.logger(),
	}
}

func (s *sftpSession) Connect(user, secret string) error {
	s.logger.Debug("establishing SFTP connection",
		zap.String("host", s.host),
		zap.Int("port", s.port),
		zap.String("user", user),
	)
	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(secret)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.opts.dialTimeout(),
	}
	sshClient, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", s.host, s.port), sshConfig)
	if err != nil {
		return &ConnectionError{Protocol: ProtocolSFTP, Host: s.host, Err: err}
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return &ConnectionError{Protocol: ProtocolSFTP, Host: s.host, Err: err}
	}
	s.sshClient = sshClient
	s.client = client
	s.logger.Debug("SFTP connection established")
	return nil
}

func (s *sftpSession) IsConnected() bool {
	if s.client == nil {
		return false
	}
	_, err := s.client.Getwd()
	return err == nil
}

func (s *sftpSession) ChangeDir(dir string) error {
	s.logger.Debug("changing remote directory", zap.String("dir", dir))
	if !s.IsConnected() {
		return &NavigationError{Dir: dir, Err: ErrNotConnected}
	}
	info, err := s.client.Stat(dir)
	if err != nil {
		return &NavigationError{Dir: dir, Err: err}
	}
	if !info.IsDir() {
		return &NavigationError{Dir: dir, Err: fmt.Errorf("not a directory")}
	}
	s.workDir = dir
	return nil
}

func (s *sftpSession) Fetch(remoteName, localPath string) error {
	s.logger.Debug("downloading file",
		zap.String("remote", remoteName),
		zap.String("local", localPath),
	)
	if !s.IsConnected() {
		return &TransferError{RemoteName: remoteName, Err: ErrNotConnected}
	}
	s.fireBefore(s, remoteName, localPath)

	remotePath := remoteName
	if s.workDir != "" {
		remotePath = path.Join(s.workDir, remoteName)
	}
	src, err := s.client.Open(remotePath)
	if err != nil {
		return &TransferError{RemoteName: remoteName, Err: err}
	}
	defer src.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return &TransferError{RemoteName: remoteName, Err: err}
	}
	if _, err := io.Copy(local, src); err != nil {
		local.Close()
		return &TransferError{RemoteName: remoteName, Err: err}
	}
	if err := local.Close(); err != nil {
		return &TransferError{RemoteName: remoteName, Err: err}
	}

	s.fireAfter(s, remoteName, localPath)
	return nil
}

func (s *sftpSession) Disconnect() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Debug("failed to close SFTP subsystem", zap.Error(err))
		} else {
			s.logger.Debug("SFTP connection closed")
		}
		s.client = nil
	}
	if s.sshClient != nil {
		if err := s.sshClient.Close(); err != nil {
			s.logger.Debug("failed to close SSH transport", zap.Error(err))
		}
		s.sshClient = nil
	}
}
