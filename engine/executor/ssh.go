package executor

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// SSHExecutor runs build processes on remote hosts over SSH, and backs
// Direct_command/Long_running targets whose Host is not the local
// machine, plus CopyFiles transfers between two remote hosts.
type SSHExecutor struct {
	// Dial opens a client connection to host. Exposed as a field (rather
	// than hardcoding ssh.Dial) so tests can substitute a fake transport
	// without a live network.
	Dial func(host string) (*ssh.Client, error)

	mu      sync.Mutex
	clients map[string]*ssh.Client
	running map[RunHandle]*sshProcess
	next    int
}

type sshProcess struct {
	host    string
	session *ssh.Session
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	done    chan struct{}
	waitErr error
}

// NewSSHExecutor creates an SSHExecutor that dials hosts using the given
// client config.
func NewSSHExecutor(cfg *ssh.ClientConfig) *SSHExecutor {
	return &SSHExecutor{
		Dial: func(host string) (*ssh.Client, error) {
			return ssh.Dial("tcp", host, cfg)
		},
		clients: make(map[string]*ssh.Client),
		running: make(map[RunHandle]*sshProcess),
	}
}

func (s *SSHExecutor) client(host string) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[host]; ok {
		return c, nil
	}
	c, err := s.Dial(host)
	if err != nil {
		return nil, err
	}
	s.clients[host] = c
	return c, nil
}

func (s *SSHExecutor) CheckCondition(ctx context.Context, cond Condition) (bool, error) {
	switch cond.Kind {
	case FileExists:
		return s.runTest(ctx, cond.Host, "test -e "+shellQuote(cond.Path))
	case FileAtLeastSize:
		script := fmt.Sprintf("test -e %s && [ $(wc -c < %s) -ge %d ]",
			shellQuote(cond.Path), shellQuote(cond.Path), cond.MinBytes)
		return s.runTest(ctx, cond.Host, script)
	case ConditionAnd:
		for _, sub := range cond.And {
			ok, err := s.CheckCondition(ctx, sub)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

// runTest runs script on host and reports whether it exited zero.
func (s *SSHExecutor) runTest(ctx context.Context, host, script string) (bool, error) {
	client, err := s.client(host)
	if err != nil {
		return false, &Error{Kind: ErrUnix, Host: host, Cause: err}
	}
	session, err := client.NewSession()
	if err != nil {
		return false, &Error{Kind: ErrUnix, Host: host, Cause: err}
	}
	defer func() { _ = session.Close() }()

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(script) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return false, &Error{Kind: ErrUnix, Host: host, Cause: ctx.Err()}
	case err := <-errCh:
		if err == nil {
			return true, nil
		}
		if _, isExit := err.(*ssh.ExitError); isExit {
			return false, nil
		}
		return false, &Error{Kind: ErrUnix, Host: host, Cause: err}
	}
}

func (s *SSHExecutor) Start(ctx context.Context, proc BuildProcess) (RunHandle, error) {
	host := proc.Host
	program := proc.Program
	if proc.Kind == LongRunning {
		host = proc.Host
		program = proc.Payload
	}

	client, err := s.client(host)
	if err != nil {
		return "", &Error{Kind: ErrStart, Host: host, Cause: err}
	}
	session, err := client.NewSession()
	if err != nil {
		return "", &Error{Kind: ErrStart, Host: host, Cause: err}
	}

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(program); err != nil {
		_ = session.Close()
		return "", &Error{Kind: ErrStart, Host: host, Cause: err}
	}

	sp := &sshProcess{host: host, session: session, stdout: stdout, stderr: stderr, done: make(chan struct{})}
	go func() {
		sp.waitErr = session.Wait()
		close(sp.done)
	}()

	s.mu.Lock()
	s.next++
	handle := RunHandle("ssh-" + strconv.Itoa(s.next))
	s.running[handle] = sp
	s.mu.Unlock()
	return handle, nil
}

func (s *SSHExecutor) Probe(_ context.Context, handle RunHandle) (ProbeResult, error) {
	s.mu.Lock()
	sp, ok := s.running[handle]
	s.mu.Unlock()
	if !ok {
		return ProbeResult{}, &Error{Kind: ErrProbe, Cause: errNoSuchHandle}
	}

	select {
	case <-sp.done:
	default:
		return ProbeResult{Status: StillRunning}, nil
	}

	if sp.waitErr != nil {
		if _, isExit := sp.waitErr.(*ssh.ExitError); isExit {
			return ProbeResult{Status: FinishedWithFailure, Reason: sp.stderr.String()}, nil
		}
		return ProbeResult{}, &Error{Kind: ErrProbe, Host: sp.host, Cause: sp.waitErr}
	}
	return ProbeResult{Status: FinishedSuccessfully}, nil
}

func (s *SSHExecutor) Kill(_ context.Context, handle RunHandle) error {
	s.mu.Lock()
	sp, ok := s.running[handle]
	s.mu.Unlock()
	if !ok {
		return &Error{Kind: ErrKill, Cause: errNoSuchHandle}
	}
	if err := sp.session.Signal(ssh.SIGKILL); err != nil {
		return &Error{Kind: ErrKill, Host: sp.host, Cause: err}
	}
	return nil
}

// CopyFiles plans an scp-style transfer between two hosts, returning a
// Direct_command build process the driver runs on srcHost to stream the
// files to dstHost. The actual data movement happens when that command
// is later started, keeping CopyFiles itself a pure planning step.
func (s *SSHExecutor) CopyFiles(_ context.Context, srcHost string, files []string, dstHost, path string) (BuildProcess, error) {
	program := fmt.Sprintf("tar -cf - %s | ssh %s 'mkdir -p %s && tar -xf - -C %s'",
		shellJoin(files), shellQuote(dstHost), shellQuote(path), shellQuote(path))
	return BuildProcess{Kind: DirectCommand, Host: srcHost, Program: program}, nil
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

func shellJoin(files []string) string {
	out := ""
	for i, f := range files {
		if i > 0 {
			out += " "
		}
		out += shellQuote(f)
	}
	return out
}
