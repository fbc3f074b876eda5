//go:build linux

// Package fifo implements the one-byte command/response protocol between the
// controller and the dir-check child over the DC_CMD/DC_RESP named pipes.
// The child acknowledges a finished command with ACKN and keeps a slow
// command alive with BUSY_WORKING, which resets the controller's timeout.
package fifo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/syslog"
)

// busyInterval is how often the child emits BUSY_WORKING while a command is
// still running. Kept well below JobTimeout so a healthy child never times
// out.
const busyInterval = constants.JobTimeout / 3

// ErrTimeout reports a peer silent past the deadline. The peer is left
// alive.
var ErrTimeout = errors.New("fifo: peer timed out")

// open opens a fifo at path read/write and non-blocking, creating it when
// missing. Read/write keeps the fifo from seeing EOF when the peer closes.
func open(path string) (*os.File, error) {
	if err := unix.Mkfifo(path, 0600); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("open: error creating fifo %s -> %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open: error opening fifo %s -> %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// Client is the controller end: it sends commands and waits for the ACKN.
type Client struct {
	cmd  *os.File
	resp *os.File
}

func NewClient(cmdPath, respPath string) (*Client, error) {
	cmd, err := open(cmdPath)
	if err != nil {
		return nil, err
	}
	resp, err := open(respPath)
	if err != nil {
		cmd.Close()
		return nil, err
	}
	return &Client{cmd: cmd, resp: resp}, nil
}

func (c *Client) Close() error {
	err1 := c.cmd.Close()
	err2 := c.resp.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Send writes one command byte and waits for ACKN. Every BUSY_WORKING
// resets the timeout; a spurious byte is logged at WARN and treated as
// success. On timeout the child is left alive and ErrTimeout returned.
func (c *Client) Send(cmd byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = constants.JobTimeout
	}

	if _, err := c.cmd.Write([]byte{cmd}); err != nil {
		return fmt.Errorf("Send: error writing command %#x -> %w", cmd, err)
	}

	buf := make([]byte, 1)
	for {
		if err := c.resp.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("Send: error arming timeout -> %w", err)
		}
		_, err := c.resp.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				syslog.L.Warn().WithField("cmd", fmt.Sprintf("%#x", cmd)).
					WithMessage("no response from dir check process").Write()
				return ErrTimeout
			}
			return fmt.Errorf("Send: error reading response -> %w", err)
		}

		switch buf[0] {
		case constants.Ackn:
			return nil
		case constants.BusyWorking:
			continue
		default:
			syslog.L.Warn().WithField("byte", fmt.Sprintf("%#x", buf[0])).
				WithMessage("unexpected response byte, assuming success").Write()
			return nil
		}
	}
}

// Server is the child end: it reads commands and runs the handler, keeping
// the controller fed with BUSY_WORKING until the handler returns.
type Server struct {
	cmd  *os.File
	resp *os.File
}

func NewServer(cmdPath, respPath string) (*Server, error) {
	cmd, err := open(cmdPath)
	if err != nil {
		return nil, err
	}
	resp, err := open(respPath)
	if err != nil {
		cmd.Close()
		return nil, err
	}
	return &Server{cmd: cmd, resp: resp}, nil
}

func (s *Server) Close() error {
	err1 := s.cmd.Close()
	err2 := s.resp.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Serve reads commands until ctx is done. handle runs synchronously per
// command; while it runs the keep-alive goroutine writes BUSY_WORKING every
// busyInterval.
func (s *Server) Serve(ctx context.Context, handle func(ctx context.Context, cmd byte) error) error {
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.cmd.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("Serve: error arming read deadline -> %w", err)
		}
		_, err := s.cmd.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return fmt.Errorf("Serve: error reading command -> %w", err)
		}

		s.runCommand(ctx, buf[0], handle)
	}
}

func (s *Server) runCommand(ctx context.Context, cmd byte, handle func(ctx context.Context, cmd byte) error) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(busyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := s.resp.Write([]byte{constants.BusyWorking}); err != nil {
					syslog.L.Warn().WithMessagef("keep-alive write failed: %v", err).Write()
				}
			}
		}
	}()

	if err := handle(ctx, cmd); err != nil {
		syslog.L.Error(err).WithField("cmd", fmt.Sprintf("%#x", cmd)).
			WithMessage("command handler failed").Write()
	}
	close(done)

	if _, err := s.resp.Write([]byte{constants.Ackn}); err != nil {
		syslog.L.Warn().WithMessagef("ack write failed: %v", err).Write()
	}
}
