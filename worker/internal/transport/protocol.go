package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single framed message. A base64 JPEG at dispatch
// quality is well under 1 MiB; anything near this limit is a corrupt or
// hostile peer.
const maxFrameSize = 16 << 20

// WriteFrame marshals v and writes it as one 4-byte big-endian length prefix
// followed by the UTF-8 JSON body. The caller serializes concurrent writers;
// WriteFrame issues a single Write so a frame is never interleaved on the
// wire.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds limit", len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its JSON body. A
// zero, oversized, or short frame is a protocol error; the caller should
// drop the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > maxFrameSize {
		return nil, fmt.Errorf("transport: frame length %d out of range", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("transport: short frame body: %w", err)
	}
	return body, nil
}

// envelope carries just enough of an inbound frame to route it.
type envelope struct {
	Type string `json:"type"`
}

// registerMsg is the first frame the worker sends on a fresh connection.
type registerMsg struct {
	Type      string `json:"type"`
	WorkerID  string `json:"worker_id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	Specialty string `json:"specialty"`
	Role      string `json:"role"`
}

// registeredAck is the coordinator's acknowledgement of a registration.
type registeredAck struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
}

// heartbeatStats is the throughput report carried by every heartbeat.
type heartbeatStats struct {
	FPS        float64 `json:"fps"`
	Detections int64   `json:"detections"`
}

type heartbeatMsg struct {
	Type     string         `json:"type"`
	WorkerID string         `json:"worker_id"`
	Stats    heartbeatStats `json:"stats"`
}

// taskMsg is one frame the coordinator wants inferred. FrameData is a
// base64-encoded JPEG.
type taskMsg struct {
	Type      string `json:"type"`
	FrameID   string `json:"frame_id"`
	FrameData string `json:"frame_data"`
}

// Detection is one inference output as it travels on the wire. BBox is
// [x1, y1, x2, y2] in source-frame pixels.
type Detection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
	ClassID    int       `json:"class_id"`
}

type resultMsg struct {
	Type        string      `json:"type"`
	WorkerID    string      `json:"worker_id"`
	FrameID     string      `json:"frame_id"`
	Detections  []Detection `json:"detections"`
	InferenceMs float64     `json:"inference_ms"`
}
