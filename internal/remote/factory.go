package remote

import "fmt"

// New builds the session variant for the given protocol. A port of 0
// selects the protocol's default port. Unknown protocols fail with
// ErrInvalidProtocol.
func New(protocol Protocol, host string, port int, opts Options) (Session, error) {
	switch protocol {
	case ProtocolFTP:
		return newFTPSession(host, port, opts), nil
	case ProtocolFTPS:
		return newFTPSSession(host, port, opts), nil
	case ProtocolFTPES:
		return newFTPESSession(host, port, opts), nil
	case ProtocolSFTP:
		return newSFTPSession(host, port, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidProtocol, protocol)
	}
}
