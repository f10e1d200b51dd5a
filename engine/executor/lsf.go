package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// LSFExecutor backs Long_running("lsf", payload) targets by shelling out
// to the LSF batch-system CLI (bsub/bjobs/bkill). Payload is the job
// script body bsub should submit. bsub/bjobs/bkill output is
// line-oriented text with no stable wire protocol, so the CLI is the
// integration surface.
type LSFExecutor struct {
	mu      sync.Mutex
	jobHost map[RunHandle]string
}

// NewLSFExecutor creates an LSFExecutor.
func NewLSFExecutor() *LSFExecutor {
	return &LSFExecutor{jobHost: make(map[RunHandle]string)}
}

// CheckCondition delegates to a local filesystem check, since LSF job
// output conditions are almost always filesystem-based (a shared
// filesystem between submission host and compute nodes).
func (l *LSFExecutor) CheckCondition(ctx context.Context, cond Condition) (bool, error) {
	return evaluateLocalCondition(cond)
}

func (l *LSFExecutor) Start(ctx context.Context, proc BuildProcess) (RunHandle, error) {
	cmd := exec.CommandContext(ctx, "bsub")
	cmd.Stdin = strings.NewReader(proc.Payload)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", &Error{Kind: ErrStart, Host: proc.Host, Cause: fmt.Errorf("%w: %s", err, errOut.String())}
	}

	jobID, err := parseBsubJobID(out.String())
	if err != nil {
		return "", &Error{Kind: ErrStart, Host: proc.Host, Cause: err}
	}
	handle := RunHandle("lsf-" + jobID)
	l.mu.Lock()
	l.jobHost[handle] = proc.Host
	l.mu.Unlock()
	return handle, nil
}

// parseBsubJobID extracts the numeric job id from bsub's canonical
// output line: `Job <12345> is submitted to queue <normal>.`
func parseBsubJobID(out string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		start := strings.IndexByte(line, '<')
		end := strings.IndexByte(line, '>')
		if start >= 0 && end > start {
			return line[start+1 : end], nil
		}
	}
	return "", fmt.Errorf("lsf: could not parse job id from bsub output %q", out)
}

func (l *LSFExecutor) jobID(handle RunHandle) string {
	return strings.TrimPrefix(string(handle), "lsf-")
}

func (l *LSFExecutor) Probe(ctx context.Context, handle RunHandle) (ProbeResult, error) {
	jobID := l.jobID(handle)
	cmd := exec.CommandContext(ctx, "bjobs", "-noheader", "-o", "stat exit_code", jobID)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, &Error{Kind: ErrProbe, Cause: err}
	}

	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		return ProbeResult{}, &Error{Kind: ErrProbe, Cause: fmt.Errorf("lsf: empty bjobs output for job %s", jobID)}
	}
	switch fields[0] {
	case "DONE":
		return ProbeResult{Status: FinishedSuccessfully}, nil
	case "EXIT":
		reason := "job exited"
		if len(fields) > 1 {
			reason = "exit code " + fields[1]
		}
		return ProbeResult{Status: FinishedWithFailure, Reason: reason}, nil
	case "PEND", "RUN", "PSUSP", "USUSP", "SSUSP", "WAIT":
		return ProbeResult{Status: StillRunning}, nil
	default:
		return ProbeResult{Status: StillRunning}, nil
	}
}

func (l *LSFExecutor) Kill(ctx context.Context, handle RunHandle) error {
	jobID := l.jobID(handle)
	cmd := exec.CommandContext(ctx, "bkill", jobID)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return &Error{Kind: ErrKill, Cause: fmt.Errorf("%w: %s", err, errOut.String())}
	}
	return nil
}

func (l *LSFExecutor) CopyFiles(ctx context.Context, srcHost string, files []string, dstHost, path string) (BuildProcess, error) {
	return BuildProcess{
		Kind:    DirectCommand,
		Host:    dstHost,
		Program: "cp " + shellJoin(files) + " " + path,
	}, nil
}
