package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const stdioKillGrace = 2 * time.Second

// StdioTransport runs the server as a subprocess and exchanges
// newline-delimited JSON-RPC over its stdin and stdout.
type StdioTransport struct {
	*rpcState
	config ServerConfig
	logger *slog.Logger

	cmd     *exec.Cmd
	writeMu sync.Mutex
	stdin   io.WriteCloser
	exited  chan struct{}
}

// NewStdioTransport creates a stdio transport. The process starts in Start.
func NewStdioTransport(cfg ServerConfig, logger *slog.Logger) *StdioTransport {
	return &StdioTransport{
		rpcState: newRPCState(logger),
		config:   cfg,
		logger:   logger,
		exited:   make(chan struct{}),
	}
}

func (t *StdioTransport) Start(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = &lineLogger{logger: t.logger}
	cmd.WaitDelay = stdioKillGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	t.cmd = cmd
	t.stdin = stdin
	t.logger.Debug("started MCP server process", "command", t.config.Command, "pid", cmd.Process.Pid)

	go t.readLoop(stdout)
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			break
		}
	}
	waitErr := t.cmd.Wait()
	if waitErr != nil {
		t.shutdown(fmt.Errorf("server process exited: %w", waitErr))
	} else {
		t.shutdown(errors.New("server process exited"))
	}
	close(t.exited)
}

func (t *StdioTransport) write(msg *jsonrpcMessage) error {
	if t.stdin == nil {
		return ErrTransportClosed
	}
	if err := t.err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, ch, err := t.newRequest(method, params)
	if err != nil {
		return nil, err
	}
	defer t.forget(msg.ID)
	if err := t.write(msg); err != nil {
		return nil, err
	}
	return t.await(ctx, ch)
}

func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	msg, err := notificationMessage(method, params)
	if err != nil {
		return err
	}
	return t.write(msg)
}

func (t *StdioTransport) Respond(ctx context.Context, id json.RawMessage, result any, rpcErr *RPCError) error {
	msg, err := responseMessage(id, result, rpcErr)
	if err != nil {
		return err
	}
	return t.write(msg)
}

// Close closes stdin and gives the process a short grace period to exit
// before killing it.
func (t *StdioTransport) Close() error {
	t.shutdown(ErrTransportClosed)
	if t.cmd == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = t.stdin.Close()
	t.writeMu.Unlock()

	select {
	case <-t.exited:
		return nil
	case <-time.After(stdioKillGrace):
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		t.logger.Debug("kill MCP server process", "error", err)
	}
	<-t.exited
	return nil
}

// lineLogger forwards the subprocess stderr to the logger line by line.
type lineLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		idx := bytes.IndexByte(l.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(l.buf.Next(idx + 1))
		if len(line) > 0 {
			l.logger.Debug("server stderr", "message", string(line))
		}
	}
	return len(p), nil
}
