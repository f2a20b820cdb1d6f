// Package deploy is Aurelia's Remote Deployer (spec §4.6): a stateless,
// per-call protocol layer that opens an encrypted-shell session to a
// target server, uploads files, runs a defined command sequence, and
// verifies the result. No persistent state is kept across calls — every
// full_deploy is a pure function of (TargetServer, payload) -> DeployReport,
// per the ownership notes in spec §9.
//
// The transport itself is grounded on golang.org/x/crypto/ssh (present in
// the teacher's dependency graph as an indirect dependency, promoted to
// direct use here) for the encrypted shell, and github.com/pkg/sftp (seen
// in the pack's DataDog-agent manifest alongside golang.org/x/crypto/ssh)
// for byte-exact upload.
package deploy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tricorefile/aurelia/internal/types"
)

// Transport abstracts session establishment so tests can substitute a
// fake implementation without a real SSH server, the way warren's
// test/framework fakes a cluster instead of driving real containerd.
type Transport interface {
	Connect(ctx context.Context, server *types.TargetServer) (Session, error)
}

// Session is one authenticated encrypted-shell connection to a target
// host (spec glossary: "Session"). It is owned by the caller that opened
// it and must be released on every exit path, including cancellation.
type Session interface {
	// Upload is byte-exact file transfer with mode bits set on completion.
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) (int64, error)

	// UploadBytes uploads in-memory content, used for generated files
	// (the service unit) that have no local path.
	UploadBytes(ctx context.Context, data []byte, remotePath string, mode os.FileMode) (int64, error)

	// ReadFile reads a remote file, used to check idempotence before
	// rewriting generated content.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// Mkdir ensures a remote directory (and its parents) exists.
	Mkdir(ctx context.Context, remotePath string) error

	// Exec runs one command to completion, capturing output.
	Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)

	Close() error
}

// ExecResult is the captured outcome of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Succeeded reports whether the command exited zero.
func (r ExecResult) Succeeded() bool { return r.ExitCode == 0 }

// asError formats a non-zero exit for error wrapping.
func (r ExecResult) asError(command string) error {
	if r.Succeeded() {
		return nil
	}
	return fmt.Errorf("command %q exited %d: %s", command, r.ExitCode, firstNonEmpty(r.Stderr, r.Stdout))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
