package sftpsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialOptions describes how to reach the archive.
type DialOptions struct {
	Address        string
	Username       string
	Password       string
	KnownHostsFile string
	Timeout        time.Duration
}

// Dialer opens a Session. Tests substitute a local implementation.
type Dialer func(ctx context.Context) (Session, error)

// NewDialer returns a Dialer using password authentication. Host keys are
// verified against KnownHostsFile when one is configured.
func NewDialer(opts DialOptions) Dialer {
	return func(ctx context.Context) (Session, error) {
		return Dial(ctx, opts)
	}
}

// Dial connects and starts the SFTP subsystem.
func Dial(ctx context.Context, opts DialOptions) (Session, error) {
	if opts.Address == "" || opts.Username == "" {
		return nil, errors.New("sftp dial: address and username are required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hostKeys := ssh.InsecureIgnoreHostKey() //nolint:gosec // no known_hosts configured
	if opts.KnownHostsFile != "" {
		callback, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeys = callback
	}
	clientConfig := &ssh.ClientConfig{
		User:            opts.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(opts.Password)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, opts.Address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", opts.Address, err)
	}
	_ = conn.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}
	return NewClientFS(client, sshClient.Close), nil
}
