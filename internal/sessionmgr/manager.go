package sessionmgr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/adbhostd/adbhostd/internal/adbsession"
)

// DefaultShellLockTimeout is the wait window for the shell lock before a
// concurrent caller observes ErrBusy, per spec.md §8's 300 ms invariant.
const DefaultShellLockTimeout = 300 * time.Millisecond

// sessionClient is the subset of *adbsession.Session Manager depends on.
// Declaring it as an interface (rather than depending on the concrete
// type directly) keeps the shell-lock and active-slot logic testable
// without a live ADB daemon.
type sessionClient interface {
	OpenShell(ctx context.Context, command string, sink io.Writer) error
	OpenExec(ctx context.Context, command string) ([]byte, error)
	PullFile(ctx context.Context, path string) ([]byte, error)
	Close() error
}

// dialFunc abstracts adbsession.Connect for the same reason.
type dialFunc func(ctx context.Context, addr string, signer adbsession.Signer) (sessionClient, error)

// Manager owns the single process-wide ADB session. The active-session
// slot is guarded by its own mutex, separate from the shell-dispatch
// semaphore, so disconnect() is never blocked behind an in-flight shell
// call waiting on the device.
type Manager struct {
	signer adbsession.Signer
	dial   dialFunc

	mu      sync.Mutex
	session sessionClient

	shellLockTimeout time.Duration
	shellSem         chan struct{}
}

// New returns a Manager with no active session.
func New(signer adbsession.Signer) *Manager {
	return &Manager{
		signer:           signer,
		dial:             dialLive,
		shellLockTimeout: DefaultShellLockTimeout,
		shellSem:         make(chan struct{}, 1),
	}
}

func dialLive(ctx context.Context, addr string, signer adbsession.Signer) (sessionClient, error) {
	return adbsession.Connect(ctx, addr, signer)
}

// Connect dials host:port and installs the result as the active session,
// closing and discarding whatever session was previously active. keepAlive
// is presently advisory only: the caller is expected to reconnect after a
// network drop rather than Manager retrying on its own, per spec.md §7's
// "no automatic retry at the core layer" policy.
func (m *Manager) Connect(ctx context.Context, host string, port int, keepAlive bool) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	sess, err := m.dial(ctx, addr, m.signer)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.session
	m.session = sess
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	_ = keepAlive
	return nil
}

// Disconnect closes the active session and clears the slot. Returns
// ErrNoActiveSession if nothing was connected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if sess == nil {
		return ErrNoActiveSession
	}
	return sess.Close()
}

func (m *Manager) current() (sessionClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoActiveSession
	}
	return m.session, nil
}

// Connected reports whether a session is currently active.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// SetShellLockTimeout overrides DefaultShellLockTimeout. Callers should set
// this once at startup, before the first ExecuteShell call.
func (m *Manager) SetShellLockTimeout(d time.Duration) {
	m.shellLockTimeout = d
}

// acquireShellLock waits up to the configured timeout to become the sole
// shell caller. The buffered-channel semaphore relies on Go's FIFO wake
// order for blocked senders to approximate fairness across callers.
func (m *Manager) acquireShellLock(ctx context.Context) (release func(), err error) {
	select {
	case m.shellSem <- struct{}{}:
		return func() { <-m.shellSem }, nil
	case <-time.After(m.shellLockTimeout):
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteShell runs cmd under the shell service and returns its output
// with leading/trailing whitespace trimmed.
func (m *Manager) ExecuteShell(ctx context.Context, cmd string) (string, error) {
	out, err := m.executeShell(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ExecuteShellRaw runs cmd under the shell service and returns its output
// unmodified.
func (m *Manager) ExecuteShellRaw(ctx context.Context, cmd string) (string, error) {
	return m.executeShell(ctx, cmd)
}

func (m *Manager) executeShell(ctx context.Context, cmd string) (string, error) {
	release, err := m.acquireShellLock(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	sess, err := m.current()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := sess.OpenShell(ctx, cmd, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ExecuteExecRaw runs cmd under the raw-binary exec service and returns
// its output. Unlike shell calls, exec calls do not contend for the shell
// lock: spec.md §4.6 only names execute_shell/execute_shell_raw as
// lock-serialized operations.
func (m *Manager) ExecuteExecRaw(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := m.current()
	if err != nil {
		return nil, err
	}
	return sess.OpenExec(ctx, cmd)
}

// PullFileBytes retrieves path's contents via the sync sub-protocol.
func (m *Manager) PullFileBytes(ctx context.Context, path string) ([]byte, error) {
	sess, err := m.current()
	if err != nil {
		return nil, err
	}
	return sess.PullFile(ctx, path)
}

// PullFileText retrieves path's contents and decodes them as UTF-8 text.
func (m *Manager) PullFileText(ctx context.Context, path string) (string, error) {
	data, err := m.PullFileBytes(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
