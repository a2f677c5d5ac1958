package worker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/photosift/internal/faces"
	"github.com/andresmejia3/photosift/internal/types"
	"github.com/andresmejia3/photosift/internal/utils" // Using the SafeCommand wrapper
)

// maxResponseSize bounds a single encoder reply; 128-d vectors are tiny.
const maxResponseSize = 64 * 1024 * 1024

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration
}

// NewPythonWorker starts the encoder process described by command.
func NewPythonWorker(id int, command []string, timeout time.Duration) (*PythonWorker, error) {
	if len(command) == 0 {
		return nil, errors.New("encoder command is empty")
	}

	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  timeout,
	}, nil
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Pipes from os.Pipe are pollable, so a hung encoder surfaces as a timeout.
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.Timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(w.Timeout)); err != nil {
			return nil, err
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an encoder crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("encoder response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Encode sends one image and decodes the face vectors in the reply.
// An error object from the encoder becomes a *faces.DecodeError.
func (w *PythonWorker) Encode(image []byte) ([]faces.Vector, error) {
	resp, err := w.Communicate(image)
	if err != nil {
		return nil, err
	}

	var results []types.FaceResult
	if err := json.Unmarshal(resp, &results); err != nil {
		// Check if it's an encoder error object (e.g. {"error": "..."})
		var errorResult types.ErrorResult
		if json.Unmarshal(resp, &errorResult) == nil && errorResult.Error != "" {
			return nil, &faces.DecodeError{Err: errors.New(errorResult.Error)}
		}
		// Genuine unmarshal failure (garbage data) means the stream is out of sync
		return nil, fmt.Errorf("worker %d sent malformed response: %w", w.ID, err)
	}

	vecs := make([]faces.Vector, 0, len(results))
	for _, r := range results {
		vecs = append(vecs, faces.Vector(r.Vec))
	}
	return vecs, nil
}

func (w *PythonWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
