package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tricorefile/aurelia/internal/aerr"
	"github.com/tricorefile/aurelia/internal/security"
	"github.com/tricorefile/aurelia/internal/types"
)

// SSHTransport is the production Transport, dialing real hosts over
// golang.org/x/crypto/ssh.
type SSHTransport struct {
	// DialTimeout bounds the initial TCP + handshake. Defaults to 10s.
	DialTimeout time.Duration
}

// Connect opens an SSH session using the server's configured
// authentication variant (spec §3: Key, Password, or
// KeyWithPassphrase), classifying failures into the §7 taxonomy.
func (t *SSHTransport) Connect(ctx context.Context, server *types.TargetServer) (Session, error) {
	dialTimeout := t.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}

	authMethods, err := authMethodsFor(server)
	if err != nil {
		return nil, aerr.New(aerr.KindAuthFailed, "deploy.connect", err)
	}

	cfg := &ssh.ClientConfig{
		User:            server.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint: gosec // fleet hosts are provisioned, not end-user-facing
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(server.IP, portOrDefault(server.Port))

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, aerr.New(aerr.KindNetworkUnreachable, "deploy.connect", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, aerr.New(aerr.KindAuthFailed, "deploy.connect", err)
		}
		return nil, aerr.New(aerr.KindProtocolError, "deploy.connect", err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, aerr.New(aerr.KindProtocolError, "deploy.connect", fmt.Errorf("open sftp subsystem: %w", err))
	}

	return &sshSession{client: client, sftp: sftpClient}, nil
}

func portOrDefault(port int) string {
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%d", port)
}

func isAuthError(err error) bool {
	_, ok := err.(*ssh.PermanentCredentialError)
	if ok {
		return true
	}
	return err != nil && (containsFold(err.Error(), "unable to authenticate") ||
		containsFold(err.Error(), "permission denied") ||
		containsFold(err.Error(), "no supported methods remain"))
}

func containsFold(s, substr string) bool {
	return bytes.Contains(bytes.ToLower([]byte(s)), bytes.ToLower([]byte(substr)))
}

func authMethodsFor(server *types.TargetServer) ([]ssh.AuthMethod, error) {
	switch server.Auth.Kind {
	case types.AuthKey:
		signer, err := signerFromKeyFile(server.Auth.KeyPath, nil)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case types.AuthPassword:
		pw := security.Deobfuscate(server.Auth.ObfuscatedPassword)
		return []ssh.AuthMethod{ssh.Password(string(pw))}, nil

	case types.AuthKeyWithPassphrase:
		pw := security.Deobfuscate(server.Auth.ObfuscatedPassword)
		signer, err := signerFromKeyFile(server.Auth.KeyPath, pw)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth kind: %q", server.Auth.Kind)
	}
}

func signerFromKeyFile(path string, passphrase []byte) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", path, err)
	}
	if len(passphrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(keyBytes, passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse passphrase-protected key %s: %w", path, err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

// sshSession is the real Session backed by one ssh.Client + sftp.Client
// pair. Every method derives its own deadline from ctx/timeout and
// releases nothing shared across calls; Close tears both down.
type sshSession struct {
	client *ssh.Client
	sftp   *sftp.Client
}

func (s *sshSession) Close() error {
	sftpErr := s.sftp.Close()
	clientErr := s.client.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return clientErr
}

func (s *sshSession) Mkdir(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return aerr.New(aerr.KindTimeout, "deploy.mkdir", err)
	}
	if err := s.sftp.MkdirAll(remotePath); err != nil {
		return classifyIOErr("deploy.mkdir", err)
	}
	return nil
}

func (s *sshSession) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) (int64, error) {
	local, err := os.Open(localPath)
	if err != nil {
		return 0, classifyIOErr("deploy.upload", err)
	}
	defer local.Close()
	return s.uploadReader(ctx, local, remotePath, mode)
}

func (s *sshSession) UploadBytes(ctx context.Context, data []byte, remotePath string, mode os.FileMode) (int64, error) {
	return s.uploadReader(ctx, bytes.NewReader(data), remotePath, mode)
}

func (s *sshSession) uploadReader(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, aerr.New(aerr.KindTimeout, "deploy.upload", err)
	}

	if err := s.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, classifyIOErr("deploy.upload", err)
	}

	remote, err := s.sftp.Create(remotePath)
	if err != nil {
		return 0, classifyIOErr("deploy.upload", err)
	}
	defer remote.Close()

	n, err := copyWithContext(ctx, remote, r)
	if err != nil {
		return n, classifyIOErr("deploy.upload", err)
	}

	if err := s.sftp.Chmod(remotePath, mode); err != nil {
		return n, classifyIOErr("deploy.upload", err)
	}

	return n, nil
}

func (s *sshSession) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, aerr.New(aerr.KindTimeout, "deploy.read_file", err)
	}
	f, err := s.sftp.Open(remotePath)
	if err != nil {
		return nil, classifyIOErr("deploy.read_file", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, classifyIOErr("deploy.read_file", err)
	}
	return buf.Bytes(), nil
}

func (s *sshSession) Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, aerr.New(aerr.KindTimeout, "deploy.exec", err)
	}

	session, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, aerr.New(aerr.KindProtocolError, "deploy.exec", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL) //nolint:errcheck
		return ExecResult{}, aerr.New(aerr.KindTimeout, "deploy.exec", ctx.Err())
	case <-timer.C:
		session.Signal(ssh.SIGKILL) //nolint:errcheck
		return ExecResult{}, aerr.New(aerr.KindTimeout, "deploy.exec", fmt.Errorf("command %q exceeded %s", command, timeout))
	case err := <-done:
		result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			result.ExitCode = 0
			return result, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, aerr.New(aerr.KindProtocolError, "deploy.exec", err)
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func classifyIOErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if sftpErr, ok := err.(*sftp.StatusError); ok {
		switch sftpErr.Code() {
		case 3: // SSH_FX_PERMISSION_DENIED
			return aerr.New(aerr.KindPermissionDenied, op, err)
		}
	}
	return aerr.New(aerr.KindIOError, op, err)
}

// copyWithContext copies src into dst, aborting between chunks if ctx is
// cancelled, so a timed-out upload does not keep writing in the
// background after full_deploy's caller has moved on.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}
