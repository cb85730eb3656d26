// Package fleet manages the pool of detached inference workers: a UDP
// discovery beacon so workers find the coordinator without manual IP
// configuration, a framed-TCP registration server with per-worker session
// goroutines and heartbeat reaping, and synchronous round-robin task
// dispatch with per-frame completion signalling.
//
// # Wire format
//
// Every message on a worker socket is a 4-byte big-endian length prefix
// followed by a UTF-8 JSON body. Worker to coordinator: register, heartbeat,
// inference_result. Coordinator to worker: registered (ack), inference_task.
package fleet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single framed message. A base64 JPEG at quality 50
// is well under 1 MiB; anything near this limit is a corrupt or hostile peer.
const maxFrameSize = 16 << 20

// WriteFrame marshals v and writes it as one length-prefixed frame.
// The caller serializes concurrent writers; WriteFrame issues a single
// Write so a frame is never interleaved on the wire.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fleet: marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("fleet: frame of %d bytes exceeds limit", len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("fleet: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its JSON body.
// A zero, oversized, or short frame is a protocol error; the caller should
// drop the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > maxFrameSize {
		return nil, fmt.Errorf("fleet: frame length %d out of range", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("fleet: short frame body: %w", err)
	}
	return body, nil
}

// envelope carries just enough of a frame to route it.
type envelope struct {
	Type string `json:"type"`
}

// registerMsg is the first frame a worker sends. Specialty and role are
// optional; absent values default to a general-purpose sub-worker.
type registerMsg struct {
	WorkerID  string `json:"worker_id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	Specialty string `json:"specialty"`
	Role      string `json:"role"`
}

type heartbeatMsg struct {
	WorkerID string          `json:"worker_id"`
	Stats    json.RawMessage `json:"stats"`
}

// Detection is one inference output as it travels on the worker wire.
// BBox is [x1, y1, x2, y2] in source-frame pixels.
type Detection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
	ClassID    int       `json:"class_id"`
}

type resultMsg struct {
	WorkerID    string      `json:"worker_id"`
	FrameID     string      `json:"frame_id"`
	Detections  []Detection `json:"detections"`
	InferenceMs float64     `json:"inference_ms"`
}

type registeredAck struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
}

type taskMsg struct {
	Type      string `json:"type"`
	FrameID   string `json:"frame_id"`
	FrameData string `json:"frame_data"`
}
