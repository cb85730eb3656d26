package websocket

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evacnet/guardian/internal/state"
)

// maxFrameSize caps client-to-server payloads. Dashboards only send small
// JSON pings; anything larger is a misbehaving client.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	defaultWriteTimeout = 10 * time.Second
	defaultKeepalive    = 30 * time.Second
)

const (
	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// initMessage is the first frame after the upgrade: the full state snapshot,
// so a fresh dashboard renders without waiting for events.
type initMessage struct {
	Type string         `json:"type"`
	Data state.Snapshot `json:"data"`
}

// tsMessage is the keepalive and pong shape.
type tsMessage struct {
	Type string  `json:"type"`
	TS   float64 `json:"ts"`
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithWriteTimeout bounds each frame write. Zero keeps the 10s default.
func WithWriteTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithKeepalive sets how long a silent client waits before the server sends
// a keepalive message. Zero keeps the 30s default.
func WithKeepalive(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.keepalive = d
		}
	}
}

// Handler upgrades /ws/telemetry requests and drives the per-client loops:
// the init snapshot first, then broadcast frames, pong replies to client
// pings, and keepalives while the client stays silent.
type Handler struct {
	bc       *Broadcaster
	log      *slog.Logger
	snapshot func() state.Snapshot

	writeTimeout time.Duration
	keepalive    time.Duration
}

// NewHandler creates a Handler backed by bc. snapshot supplies the init
// payload for each new connection.
func NewHandler(bc *Broadcaster, logger *slog.Logger, snapshot func() state.Snapshot, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		bc:           bc,
		log:          logger.With(slog.String("component", "websocket")),
		snapshot:     snapshot,
		writeTimeout: defaultWriteTimeout,
		keepalive:    defaultKeepalive,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// frame is one parsed client-to-server frame.
type frame struct {
	opcode  byte
	payload []byte
}

// ServeHTTP handles the HTTP to WebSocket upgrade and drives the connection
// until the client disconnects or the broadcaster shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.log.Error("hijack failed", slog.String("error", err.Error()))
		return
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n"
	if _, err := bufrw.WriteString(resp); err != nil {
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.log.Info("client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	var closed atomic.Bool
	closeConn := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}
	defer closeConn()

	// The reader owns frame parsing; buffering lets a burst of client pings
	// queue while the writer is mid-frame.
	inbound := make(chan frame, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Error("read loop panic recovered",
					slog.Any("recover", rec),
					slog.String("client_id", clientID),
				)
			}
		}()
		readLoop(bufrw.Reader, inbound)
		closeConn()
	}()

	if err := h.writeJSON(conn, initMessage{Type: "init", Data: h.snapshot()}); err != nil {
		h.log.Warn("init write failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return
	}

	idle := time.NewTimer(h.keepalive)
	defer idle.Stop()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			if !ok {
				// Broadcaster shut down.
				return
			}
			if err := h.writeFrame(conn, opText, msg); err != nil {
				h.log.Warn("write failed",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
				return
			}

		case f := <-inbound:
			resetTimer(idle, h.keepalive)
			switch f.opcode {
			case opPing:
				if err := h.writeFrame(conn, opPong, f.payload); err != nil {
					return
				}
			case opText:
				if isPingMessage(f.payload) {
					if err := h.writeJSON(conn, tsMessage{Type: "pong", TS: unixNow()}); err != nil {
						return
					}
				}
			}

		case <-idle.C:
			if err := h.writeJSON(conn, tsMessage{Type: "keepalive", TS: unixNow()}); err != nil {
				return
			}
			idle.Reset(h.keepalive)
		}
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// isWebSocketUpgrade reports whether the request carries the upgrade headers
// specified in RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives the Sec-WebSocket-Accept value from the client's
// Sec-WebSocket-Key as defined in RFC 6455 §4.1.
func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (h *Handler) writeJSON(conn net.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return h.writeFrame(conn, opText, raw)
}

// writeFrame writes a single unfragmented server frame. Server-to-client
// frames must not be masked (RFC 6455 §5.1).
func (h *Handler) writeFrame(conn net.Conn, opcode byte, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	n := len(payload)
	var header []byte
	switch {
	case n < 126:
		header = []byte{0x80 | opcode, byte(n)}
	case n < 65536:
		header = []byte{0x80 | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readLoop parses client frames until a close frame, an oversized frame, or
// a connection error, forwarding text and ping frames to the writer. Client
// frames arrive masked; the payload is unmasked in place.
func readLoop(buf *bufio.Reader, inbound chan<- frame) {
	for {
		b0, err := buf.ReadByte()
		if err != nil {
			return
		}
		b1, err := buf.ReadByte()
		if err != nil {
			return
		}

		opcode := b0 & 0x0F
		masked := b1&0x80 != 0
		length := int64(b1 & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			// Reject before the int64 conversion: values past MaxInt64
			// would wrap negative and panic the allocation below.
			raw := binary.BigEndian.Uint64(ext[:])
			if raw > maxFrameSize {
				return
			}
			length = int64(raw)
		}
		if length > maxFrameSize {
			return
		}

		var maskKey [4]byte
		if masked {
			if _, err := io.ReadFull(buf, maskKey[:]); err != nil {
				return
			}
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(buf, payload); err != nil {
			return
		}
		if masked {
			for i := range payload {
				payload[i] ^= maskKey[i%4]
			}
		}

		switch opcode {
		case opClose:
			return
		case opText, opPing:
			select {
			case inbound <- frame{opcode: opcode, payload: payload}:
			default:
				// Writer is wedged or gone; dropping beats blocking the
				// reader forever.
			}
		}
	}
}

func isPingMessage(payload []byte) bool {
	var m struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return false
	}
	return m.Type == "ping"
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
