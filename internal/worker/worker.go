package worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/gatekeeper/internal/utils"
)

// maxFrameLen bounds a single response so a corrupted length header cannot
// make us allocate gigabytes.
const maxFrameLen = 64 << 20

// Process is one running inference engine subprocess. Requests are written
// to its stdin; responses come back on a dedicated pipe (FD 3 in the child)
// so stray prints on stdout cannot corrupt the stream.
type Process struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// StartProcess launches command with args.
func StartProcess(command string, args ...string) (*Process, error) {
	cmd := utils.NewSafeCommand(command, args...)

	// Side-channel pipe for responses.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %s failed to start: %w", command, err)
	}

	// Only the child holds the write end now.
	w.Close()

	return &Process{Cmd: cmd, Stdin: stdin, DataPipe: r}, nil
}

// Communicate sends one framed request and reads one framed response.
// Framing on both sides is [uint32 big-endian length][payload].
func (p *Process) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(p.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := p.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(p.DataPipe, header); err != nil {
		return nil, err // the child died, usually at import time
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxFrameLen {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(p.DataPipe, respBody)
	return respBody, err
}

// Close closes both pipes, kills the child if it is still running and reaps it.
func (p *Process) Close() {
	p.Stdin.Close()
	p.DataPipe.Close()
	if p.Cmd == nil {
		return
	}
	if p.Cmd.Process != nil {
		p.Cmd.Process.Kill()
	}
	p.Cmd.Wait()
}

// Logs returns whatever the child wrote to stderr.
func (p *Process) Logs() string {
	if p.Cmd == nil {
		return ""
	}
	return p.Cmd.Stderr.String()
}
