package execctx

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 10 * time.Second

// RemoteExecutor dispatches commands to a remote host over SSH and performs
// filesystem operations through SFTP on the same connection.
type RemoteExecutor struct {
	client *ssh.Client
	sftp   *sftp.Client
	host   string
	port   int
	user   string
	logger zerolog.Logger
}

// NewRemoteExecutor connects to the configured host. Connecting doubles as
// the reachability probe: dial, handshake and authentication must all
// succeed before the context resolves as remote.
func NewRemoteExecutor(ctx context.Context, opts RemoteOptions, dialTimeout time.Duration, logger zerolog.Logger) (*RemoteExecutor, error) {
	if opts.Host == "" {
		return nil, errors.New("remote host is required")
	}
	port := opts.Port
	if port == 0 {
		port = 22
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	authMethods, err := buildAuthMethods(opts)
	if err != nil {
		return nil, err
	}
	if len(authMethods) == 0 {
		return nil, errors.New("remote auth required: provide key_file or password")
	}

	hostKeyCallback, err := buildHostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open SFTP subsystem on %s: %w", addr, err)
	}

	return &RemoteExecutor{
		client: client,
		sftp:   sftpClient,
		host:   opts.Host,
		port:   port,
		user:   opts.User,
		logger: logger.With().Str("component", "remote_executor").Str("host", opts.Host).Logger(),
	}, nil
}

// buildAuthMethods assembles SSH auth from the configured key file and password.
func buildAuthMethods(opts RemoteOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if opts.KeyFile != "" {
		keyData, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", opts.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", opts.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}

	return methods, nil
}

// buildHostKeyCallback verifies the remote host key.
// Priority: pinned HostKey > configured known_hosts file > default
// ~/.ssh/known_hosts if present > error.
func buildHostKeyCallback(opts RemoteOptions) (ssh.HostKeyCallback, error) {
	if opts.HostKey != "" {
		hostKeyBytes, err := base64.StdEncoding.DecodeString(opts.HostKey)
		if err != nil {
			return nil, fmt.Errorf("decode pinned host key: %w", err)
		}
		expectedKey, err := ssh.ParsePublicKey(hostKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse pinned host key: %w", err)
		}
		return ssh.FixedHostKey(expectedKey), nil
	}

	knownHosts := opts.KnownHostsFile
	if knownHosts == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			candidate := filepath.Join(home, ".ssh", "known_hosts")
			if _, err := os.Stat(candidate); err == nil {
				knownHosts = candidate
			}
		}
	}
	if knownHosts != "" {
		if _, err := os.Stat(knownHosts); err != nil {
			return nil, fmt.Errorf("known_hosts file not found: %w", err)
		}
		callback, err := knownhosts.New(knownHosts)
		if err != nil {
			return nil, fmt.Errorf("parse known_hosts: %w", err)
		}
		return callback, nil
	}

	return nil, errors.New("host key verification required: provide host_key or known_hosts_file")
}

// Kind returns KindRemote.
func (e *RemoteExecutor) Kind() Kind { return KindRemote }

// Target returns user@host:port.
func (e *RemoteExecutor) Target() string {
	return fmt.Sprintf("%s@%s", e.user, net.JoinHostPort(e.host, strconv.Itoa(e.port)))
}

// Run executes the command on the remote host in a fresh SSH session.
func (e *RemoteExecutor) Run(ctx context.Context, name string, args ...string) (Result, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("open SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdline := buildCommandLine(name, args)
	e.logger.Debug().Str("command", cmdline).Msg("executing remote command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmdline)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
		}, fmt.Errorf("run %s: %w", name, ctx.Err())
	case err = <-done:
	}

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		res.ExitCode = -1
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
		}
		errMsg := strings.TrimSpace(res.Stderr)
		if errMsg != "" {
			return res, fmt.Errorf("run %s: %w: %s", name, err, errMsg)
		}
		return res, fmt.Errorf("run %s: %w", name, err)
	}

	return res, nil
}

// buildCommandLine quotes each argument for the remote shell.
func buildCommandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// shellQuote single-quotes an argument, escaping embedded single quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$&|;<>()*?[]#~%!{}`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func (e *RemoteExecutor) ReadFile(path string) ([]byte, error) {
	f, err := e.sftp.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (e *RemoteExecutor) WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := e.sftp.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return e.sftp.Chmod(path, perm)
}

func (e *RemoteExecutor) Create(path string) (io.WriteCloser, error) {
	return e.sftp.Create(path)
}

func (e *RemoteExecutor) MkdirAll(path string, perm os.FileMode) error {
	if err := e.sftp.MkdirAll(path); err != nil {
		return err
	}
	return e.sftp.Chmod(path, perm)
}

func (e *RemoteExecutor) Stat(path string) (os.FileInfo, error) {
	return e.sftp.Stat(path)
}

func (e *RemoteExecutor) Lstat(path string) (os.FileInfo, error) {
	return e.sftp.Lstat(path)
}

func (e *RemoteExecutor) ReadDir(path string) ([]os.FileInfo, error) {
	return e.sftp.ReadDir(path)
}

func (e *RemoteExecutor) Symlink(oldname, newname string) error {
	return e.sftp.Symlink(oldname, newname)
}

func (e *RemoteExecutor) Readlink(path string) (string, error) {
	return e.sftp.ReadLink(path)
}

func (e *RemoteExecutor) Rename(oldpath, newpath string) error {
	// posix-rename@openssh.com overwrites the target atomically.
	return e.sftp.PosixRename(oldpath, newpath)
}

func (e *RemoteExecutor) Remove(path string) error {
	return e.sftp.Remove(path)
}

func (e *RemoteExecutor) RemoveAll(path string) error {
	return e.sftp.RemoveAll(path)
}

// DiskUsage parses POSIX df output for the filesystem containing path.
func (e *RemoteExecutor) DiskUsage(ctx context.Context, path string) (*DiskUsage, error) {
	res, err := e.Run(ctx, "df", "-P", "-k", path)
	if err != nil {
		return nil, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return parseDFOutput(path, res.Stdout)
}

// parseDFOutput extracts usage from `df -P -k` output.
func parseDFOutput(path, output string) (*DiskUsage, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("unexpected df output for %s: %q", path, output)
	}

	// Filesystem 1024-blocks Used Available Capacity Mounted on
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return nil, fmt.Errorf("unexpected df output for %s: %q", path, lines[len(lines)-1])
	}

	totalKB, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse df total %q: %w", fields[1], err)
	}
	usedKB, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse df used %q: %w", fields[2], err)
	}
	availKB, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse df available %q: %w", fields[3], err)
	}

	usage := &DiskUsage{
		Path:       path,
		TotalBytes: totalKB * 1024,
		FreeBytes:  availKB * 1024,
	}
	if usedKB+availKB > 0 {
		usage.UsedPercent = float64(usedKB) / float64(usedKB+availKB) * 100
	}
	return usage, nil
}

// HostInfo gathers facts about the remote host via uname and os-release.
func (e *RemoteExecutor) HostInfo(ctx context.Context) (*HostInfo, error) {
	res, err := e.Run(ctx, "uname", "-s", "-n", "-r")
	if err != nil {
		return nil, fmt.Errorf("remote host info: %w", err)
	}

	info := &HostInfo{}
	fields := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(fields) >= 3 {
		info.OS = strings.ToLower(fields[0])
		info.Hostname = fields[1]
		info.KernelVersion = fields[2]
	}

	if data, err := e.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "PRETTY_NAME=") {
				info.Platform = strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
				break
			}
		}
	}

	return info, nil
}

// Close closes the SFTP and SSH connections.
func (e *RemoteExecutor) Close() error {
	if e.sftp != nil {
		_ = e.sftp.Close()
	}
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
