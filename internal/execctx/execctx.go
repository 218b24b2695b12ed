// Package execctx resolves where backup steps execute and provides uniform
// command and filesystem access to that target. Resolution happens once at
// startup: a reachable configured remote host wins, a local marker file
// forces local mode, and the ambiguous case is a hard configuration error
// rather than a silent fallback.
package execctx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies the execution target class.
type Kind string

const (
	// KindLocal runs every step in-process on this machine.
	KindLocal Kind = "local"
	// KindRemote dispatches every step to a remote host over SSH.
	KindRemote Kind = "remote"
)

// Sentinel errors for context resolution.
var (
	// ErrAmbiguousContext is returned when a remote host is configured but
	// unreachable and the local marker is absent, so neither mode can be
	// assumed safely.
	ErrAmbiguousContext = errors.New("execution context ambiguous: remote host unreachable and local marker absent")

	// ErrNoContext is returned when no remote host is configured, the local
	// marker is absent, and unmarked local execution is disallowed.
	ErrNoContext = errors.New("no execution context: no remote host configured and local marker absent")
)

// RemoteOptions configures the SSH target.
type RemoteOptions struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	Password       string
	KnownHostsFile string
	// HostKey is a base64-encoded SSH public key that, when set, pins the
	// remote host key instead of consulting the known_hosts file.
	HostKey string
}

// Configured returns true if a remote host is set.
func (r RemoteOptions) Configured() bool {
	return r.Host != ""
}

// Options controls context resolution.
type Options struct {
	Remote RemoteOptions

	// MarkerPath is the file whose presence identifies this machine as the
	// backup target itself.
	MarkerPath string

	// AllowUnmarkedLocal permits local execution when no remote host is
	// configured and the marker file is absent. It has no effect once a
	// remote host is configured.
	AllowUnmarkedLocal bool

	// DialTimeout bounds the reachability probe. Zero means 10 seconds.
	DialTimeout time.Duration
}

// Context is the resolved execution target for one invocation. It is
// immutable after Resolve and shared by every component.
type Context struct {
	Kind Kind
	Host string
	Port int
	User string

	exec Executor
}

// Executor returns the executor for this context.
func (c *Context) Executor() Executor {
	return c.exec
}

// Close releases the underlying transport, if any.
func (c *Context) Close() error {
	if c.exec == nil {
		return nil
	}
	return c.exec.Close()
}

// String describes the target, e.g. "local" or "root@backup01:22".
func (c *Context) String() string {
	if c.Kind == KindLocal {
		return string(KindLocal)
	}
	return fmt.Sprintf("%s@%s", c.User, net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port)))
}

// NewLocalContext builds a local execution context directly, bypassing
// resolution. Used where the target is known to be this machine.
func NewLocalContext(logger zerolog.Logger) *Context {
	return &Context{Kind: KindLocal, exec: NewLocalExecutor(logger)}
}

// Resolve determines the execution context. A configured remote host is
// probed first (TCP dial plus SSH handshake and auth); on success the
// context is remote. Otherwise the local marker file decides: present means
// this machine is the target, so execution is local even though the probe
// failed. A configured-but-unreachable remote with no marker is a
// configuration error, never a silent local fallback.
func Resolve(ctx context.Context, opts Options, logger zerolog.Logger) (*Context, error) {
	log := logger.With().Str("component", "execctx").Logger()

	if opts.Remote.Configured() {
		remote, err := NewRemoteExecutor(ctx, opts.Remote, opts.DialTimeout, logger)
		if err == nil {
			log.Info().
				Str("host", opts.Remote.Host).
				Int("port", remote.port).
				Msg("remote host reachable, executing remotely")
			return &Context{
				Kind: KindRemote,
				Host: opts.Remote.Host,
				Port: remote.port,
				User: opts.Remote.User,
				exec: remote,
			}, nil
		}

		if markerPresent(opts.MarkerPath) {
			log.Warn().
				Err(err).
				Str("host", opts.Remote.Host).
				Str("marker", opts.MarkerPath).
				Msg("remote host unreachable but local marker present, executing locally")
			return &Context{Kind: KindLocal, exec: NewLocalExecutor(logger)}, nil
		}

		return nil, fmt.Errorf("%w: probe of %s failed: %v", ErrAmbiguousContext, opts.Remote.Host, err)
	}

	if markerPresent(opts.MarkerPath) {
		log.Debug().Str("marker", opts.MarkerPath).Msg("local marker present, executing locally")
		return &Context{Kind: KindLocal, exec: NewLocalExecutor(logger)}, nil
	}

	if opts.AllowUnmarkedLocal {
		log.Debug().Msg("no remote host configured, executing locally")
		return &Context{Kind: KindLocal, exec: NewLocalExecutor(logger)}, nil
	}

	return nil, ErrNoContext
}

func markerPresent(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
