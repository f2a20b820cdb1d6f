package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tricorefile/aurelia/internal/aerr"
	"github.com/tricorefile/aurelia/internal/log"
	"github.com/tricorefile/aurelia/internal/metrics"
	"github.com/tricorefile/aurelia/internal/types"
)

// Deployer is the Remote Deployer of spec §4.6. It holds no state across
// calls: every exported method takes the target and payload it needs and
// returns a result, the way warren's own pkg/deploy.Deployer is a thin
// wrapper around the manager rather than a stateful session holder.
type Deployer struct {
	transport     Transport
	logger        zerolog.Logger
	connectTO     time.Duration
	uploadTO      time.Duration
	execTO        time.Duration
	healthTimeout time.Duration
	probeInterval time.Duration
	logLines      int
}

// Config configures a Deployer's per-operation and composite timeouts.
type Config struct {
	Transport      Transport
	ConnectTimeout time.Duration
	UploadTimeout  time.Duration
	ExecTimeout    time.Duration
	HealthTimeout  time.Duration
	ProbeInterval  time.Duration
	LogLines       int
}

// NewDeployer builds a Deployer, defaulting to the real SSH transport.
func NewDeployer(cfg Config) *Deployer {
	d := &Deployer{
		transport:     cfg.Transport,
		logger:        log.WithComponent("deploy"),
		connectTO:     orDefault(cfg.ConnectTimeout, 10*time.Second),
		uploadTO:      orDefault(cfg.UploadTimeout, 60*time.Second),
		execTO:        orDefault(cfg.ExecTimeout, 30*time.Second),
		healthTimeout: orDefault(cfg.HealthTimeout, 45*time.Second),
		probeInterval: orDefault(cfg.ProbeInterval, 2*time.Second),
		logLines:      cfg.LogLines,
	}
	if d.transport == nil {
		d.transport = &SSHTransport{DialTimeout: d.connectTO}
	}
	if d.logLines == 0 {
		d.logLines = 50
	}
	return d
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Connect opens a session using the server's configured authentication
// variant (spec §4.6 operation 1).
func (d *Deployer) Connect(ctx context.Context, server *types.TargetServer) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, d.connectTO)
	defer cancel()
	return d.transport.Connect(ctx, server)
}

// Upload is byte-exact file transfer with mode bits applied on
// completion (spec §4.6 operation 2).
func (d *Deployer) Upload(ctx context.Context, session Session, localPath, remotePath string, mode os.FileMode) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.uploadTO)
	defer cancel()
	return session.Upload(ctx, localPath, remotePath, mode)
}

// Exec runs one command on an open session, capturing its output (spec
// §4.6 operation 3).
func (d *Deployer) Exec(ctx context.Context, session Session, command string, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = d.execTO
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return session.Exec(ctx, command, timeout)
}

// FullDeploy is the composite operation of spec §4.6 operation 4: it
// connects, ensures remote_path exists, uploads the binary and aux
// files, registers and starts a supervised systemd service, and probes
// until the service reports Active (or the health timeout elapses).
//
// FullDeploy enforces a total time budget independent of any single
// operation's own timeout, and is idempotent: re-running it against an
// already-Running target converges without registering a second service
// unit (spec §8 property "full_deploy is idempotent").
func (d *Deployer) FullDeploy(ctx context.Context, server *types.TargetServer, binaryPath string, auxFiles []types.AuxFile, totalBudget time.Duration) (types.DeployReport, error) {
	start := time.Now()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DeployDuration)

	if totalBudget <= 0 {
		totalBudget = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	logger := d.logger.With().Str("server_id", server.ID).Str("ip", server.IP).Logger()
	report := types.DeployReport{}

	session, err := d.Connect(ctx, server)
	if err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("connect", "failure").Inc()
		return report, err
	}
	defer session.Close()
	metrics.DeployOperationsTotal.WithLabelValues("connect", "success").Inc()

	if err := d.ensureRemotePath(ctx, session, server.RemotePath); err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("mkdir", "failure").Inc()
		return report, err
	}
	metrics.DeployOperationsTotal.WithLabelValues("mkdir", "success").Inc()

	binRemote := path.Join(server.RemotePath, filepath.Base(binaryPath))
	n, err := d.Upload(ctx, session, binaryPath, binRemote, os.FileMode(0755))
	if err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("upload_binary", "failure").Inc()
		return report, err
	}
	report.BytesUploaded += n
	metrics.DeployBytesUploaded.Add(float64(n))
	metrics.DeployOperationsTotal.WithLabelValues("upload_binary", "success").Inc()
	logger.Info().Int64("bytes", n).Str("remote_path", binRemote).Msg("uploaded agent binary")

	for _, aux := range auxFiles {
		remote := path.Join(server.RemotePath, "config", aux.RelPath)
		mode := os.FileMode(aux.Mode)
		if mode == 0 {
			mode = 0644
		}
		an, err := d.Upload(ctx, session, aux.LocalPath, remote, mode)
		if err != nil {
			metrics.DeployOperationsTotal.WithLabelValues("upload_aux", "failure").Inc()
			return report, fmt.Errorf("upload aux file %s: %w", aux.RelPath, err)
		}
		report.BytesUploaded += an
		metrics.DeployBytesUploaded.Add(float64(an))
	}
	metrics.DeployOperationsTotal.WithLabelValues("upload_aux", "success").Inc()

	if err := d.registerService(ctx, session, server.RemotePath, binRemote); err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("register_service", "failure").Inc()
		return report, err
	}
	metrics.DeployOperationsTotal.WithLabelValues("register_service", "success").Inc()

	verified, diagnostics, err := d.probe(ctx, session)
	report.Verified = verified
	report.Diagnostics = diagnostics
	if err != nil {
		metrics.DeployOperationsTotal.WithLabelValues("probe", "failure").Inc()
		return report, err
	}
	metrics.DeployOperationsTotal.WithLabelValues("probe", "success").Inc()

	report.Duration = time.Since(start)
	logger.Info().Dur("duration", report.Duration).Bool("verified", report.Verified).Msg("full_deploy complete")
	return report, nil
}

func (d *Deployer) ensureRemotePath(ctx context.Context, session Session, remotePath string) error {
	if err := session.Mkdir(ctx, remotePath); err != nil {
		return err
	}
	if err := session.Mkdir(ctx, path.Join(remotePath, "config")); err != nil {
		return err
	}
	if err := session.Mkdir(ctx, path.Join(remotePath, "logs")); err != nil {
		return err
	}

	result, err := d.Exec(ctx, session, fmt.Sprintf("test -w %s", shellQuote(remotePath)), d.execTO)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return aerr.New(aerr.KindPermissionDenied, "deploy.ensure_remote_path", result.asError("test -w"))
	}
	return nil
}

// registerService writes the systemd unit, reloads the supervisor, and
// enables+starts the service. If the unit content on disk already
// matches, the upload and daemon-reload are skipped so repeated deploys
// do not thrash the supervisor or register a duplicate unit.
func (d *Deployer) registerService(ctx context.Context, session Session, remotePath, binRemote string) error {
	content := []byte(unitFile(remotePath, binRemote))
	unitPath := path.Join(remotePath, ServiceName+".service")
	systemUnitPath := path.Join("/etc/systemd/system", ServiceName+".service")

	existing, _ := session.ReadFile(ctx, systemUnitPath)
	unchanged := existing != nil && bytes.Equal(existing, content)

	if !unchanged {
		if _, err := session.UploadBytes(ctx, content, unitPath, 0644); err != nil {
			return fmt.Errorf("write unit file: %w", err)
		}

		copyCmd := fmt.Sprintf("cp %s %s && chmod 0644 %s", shellQuote(unitPath), shellQuote(systemUnitPath), shellQuote(systemUnitPath))
		result, err := d.Exec(ctx, session, sudoOrPlain(copyCmd), d.execTO)
		if err != nil {
			return err
		}
		if !result.Succeeded() {
			return fmt.Errorf("install unit file: %w", result.asError(copyCmd))
		}

		result, err = d.Exec(ctx, session, sudoOrPlain("systemctl daemon-reload"), d.execTO)
		if err != nil {
			return err
		}
		if !result.Succeeded() {
			return fmt.Errorf("daemon-reload: %w", result.asError("systemctl daemon-reload"))
		}
	}

	enableCmd := fmt.Sprintf("systemctl enable --now %s", ServiceName)
	result, err := d.Exec(ctx, session, sudoOrPlain(enableCmd), d.execTO)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("enable service: %w", result.asError(enableCmd))
	}

	return nil
}

// probe waits up to the deployer's health timeout for the service to
// report Active, polling at probeInterval via a rate.Limiter so the
// cadence is explicit and testable rather than a bare time.Sleep loop.
func (d *Deployer) probe(ctx context.Context, session Session) (bool, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.healthTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(d.probeInterval), 1)
	checkCmd := fmt.Sprintf("systemctl is-active %s", ServiceName)

	for {
		if err := limiter.Wait(ctx); err != nil {
			diagnostics := d.captureDiagnostics(context.Background(), session)
			return false, diagnostics, aerr.New(aerr.KindTimeout, "deploy.probe", fmt.Errorf("service did not become active within %s", d.healthTimeout))
		}

		result, err := session.Exec(ctx, checkCmd, d.execTO)
		if err == nil && result.Succeeded() && trimNewline(result.Stdout) == "active" {
			return true, nil, nil
		}
	}
}

func (d *Deployer) captureDiagnostics(ctx context.Context, session Session) []string {
	cmd := fmt.Sprintf("journalctl -u %s -n %d --no-pager", ServiceName, d.logLines)
	result, err := session.Exec(ctx, cmd, d.execTO)
	if err != nil {
		return []string{fmt.Sprintf("diagnostics unavailable: %v", err)}
	}
	return splitLines(result.Stdout)
}

func sudoOrPlain(cmd string) string {
	return "sudo " + cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
