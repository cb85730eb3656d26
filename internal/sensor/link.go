// Package sensor maintains the serial link to the main microcontroller.
// Inbound line-JSON telemetry feeds the state store; outbound commands drive
// the physical alert hardware (lights, sirens) and the GSM modem attached to
// the board.
//
// The link never gives up: read and write errors close the port, mark the
// device disconnected, and trigger a reopen after a short delay. Callers of
// the Send methods get an error when the link is down and decide themselves
// whether that matters.
package sensor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/evacnet/guardian/internal/metrics"
	"github.com/evacnet/guardian/internal/state"
)

const (
	// DeviceID is the state-store identity of the main controller.
	DeviceID = "esp32_main"
	// deviceKind mirrors what the firmware reports itself as.
	deviceKind = "esp32_main"

	// BaudRate of the firmware's UART console.
	BaudRate = 115200

	pingInterval   = 5 * time.Second
	settleDelay    = 2 * time.Second // board resets on DTR assert
	reconnectDelay = 2 * time.Second // after a read/write error
	reopenDelay    = 5 * time.Second // after a failed open
)

// ErrLinkDown is returned by the Send methods while no port is open.
var ErrLinkDown = errors.New("sensor: serial link down")

// Store is the slice of the state store the link needs.
type Store interface {
	UpdateSensor(state.SensorUpdate)
	UpdateDevice(id, kind string, connected bool, addr string)
}

// Opener opens the serial stream and returns it with the port name used.
// Injected in tests; production use goes through the system opener.
type Opener func() (io.ReadWriteCloser, string, error)

// systemOpener resolves the port (configured name or autodetect) and opens
// it at the firmware baud rate, giving the board time to finish its reset.
func systemOpener(portName string) Opener {
	return func() (io.ReadWriteCloser, string, error) {
		name := portName
		if name == "" {
			detected, err := DetectPort()
			if err != nil {
				return nil, "", err
			}
			name = detected
		}
		port, err := serial.Open(name, &serial.Mode{BaudRate: BaudRate})
		if err != nil {
			return nil, name, fmt.Errorf("sensor: open %s: %w", name, err)
		}
		time.Sleep(settleDelay)
		_ = port.ResetInputBuffer()
		return port, name, nil
	}
}

// Link owns the serial connection and its read/ping goroutines.
type Link struct {
	log     *slog.Logger
	store   Store
	metrics *metrics.Metrics
	open    Opener

	reconnectDelay time.Duration
	reopenDelay    time.Duration

	mu       sync.Mutex
	port     io.ReadWriteCloser
	portName string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures optional Link behavior.
type Option func(*Link)

// WithOpener replaces the system serial opener. Tests use this to feed the
// link from an in-memory pipe.
func WithOpener(open Opener) Option {
	return func(l *Link) { l.open = open }
}

// WithMetrics attaches the coordinator metrics set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Link) { l.metrics = m }
}

// WithRetryDelays overrides the reconnect (after an I/O error) and reopen
// (after a failed open) delays. Tests shorten them.
func WithRetryDelays(reconnect, reopen time.Duration) Option {
	return func(l *Link) {
		l.reconnectDelay = reconnect
		l.reopenDelay = reopen
	}
}

// New builds a Link for the given port name. An empty name enables USB
// autodetection on every open attempt.
func New(logger *slog.Logger, store Store, portName string, opts ...Option) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		log:            logger.With(slog.String("component", "sensor")),
		store:          store,
		open:           systemOpener(portName),
		reconnectDelay: reconnectDelay,
		reopenDelay:    reopenDelay,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the read and ping goroutines. It returns immediately; the
// first connection attempt happens on the read goroutine.
func (l *Link) Start() {
	l.wg.Add(2)
	go l.run()
	go l.pingLoop()
}

// Stop closes the link and waits for both goroutines to exit. A blocked
// read is unblocked by closing the port out from under it. Safe to call
// more than once.
func (l *Link) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.closePort()
		l.wg.Wait()
		l.store.UpdateDevice(DeviceID, deviceKind, false, "")
	})
}

func (l *Link) run() {
	defer l.wg.Done()
	for {
		if l.stopped() {
			return
		}

		stream, name, err := l.open()
		if err != nil {
			l.log.Warn("serial open failed", slog.Any("error", err))
			if !l.sleep(l.reopenDelay) {
				return
			}
			continue
		}
		if l.stopped() {
			_ = stream.Close()
			return
		}

		l.setPort(stream, name)
		l.store.UpdateDevice(DeviceID, deviceKind, true, name)
		l.log.Info("serial link up", slog.String("port", name))

		err = l.readLoop(stream)

		l.closePort()
		l.store.UpdateDevice(DeviceID, deviceKind, false, "")
		if l.stopped() {
			return
		}

		if l.metrics != nil {
			l.metrics.SerialReconnects.Add(1)
		}
		l.log.Warn("serial link lost", slog.Any("error", err))
		if !l.sleep(l.reconnectDelay) {
			return
		}
	}
}

// readLoop consumes newline-delimited JSON until the stream errors out.
func (l *Link) readLoop(stream io.Reader) error {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		l.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (l *Link) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var msg inbound
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		l.log.Warn("serial line is not JSON", slog.String("line", string(trimmed)))
		return
	}
	if l.metrics != nil {
		l.metrics.SerialMessages.Add(1)
	}

	switch {
	case msg.Type == "telemetry":
		fire := msg.Fire
		if fire == nil {
			off := false
			fire = &off
		}
		rain := msg.Raining
		if rain == nil {
			rain = msg.Water
		}
		orientation := msg.Quake
		if orientation == nil {
			orientation = msg.Gyro
		}
		l.store.UpdateSensor(state.SensorUpdate{
			Fire:        fire,
			Raining:     rain,
			Orientation: orientation,
			Accel:       msg.Accel,
		})

	case msg.Event == "boot":
		l.log.Info("controller boot", slog.String("status", msg.Status))
		l.mu.Lock()
		name := l.portName
		l.mu.Unlock()
		l.store.UpdateDevice(DeviceID, deviceKind, true, name)

	case msg.Event == "error":
		l.log.Warn("controller error", slog.String("message", msg.Message))

	case msg.Event == "alert_set":
		if msg.Alert != nil {
			l.log.Info("controller confirmed alert", slog.Int("alert", *msg.Alert))
		}

	case msg.Event == "pong":
		if msg.Uptime != nil {
			l.log.Debug("controller pong", slog.Int64("uptime_ms", *msg.Uptime))
		}

	default:
		l.log.Warn("unhandled serial message", slog.String("line", string(trimmed)))
	}
}

func (l *Link) pingLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.send(pingCmd{Cmd: "ping"}); err != nil && !errors.Is(err, ErrLinkDown) {
				l.log.Debug("ping failed", slog.Any("error", err))
			}
		}
	}
}

// SendAlert pushes the alert level to the controller hardware.
func (l *Link) SendAlert(level state.AlertLevel) error {
	return l.send(setAlertCmd{Cmd: "set_alert", Alert: int(level)})
}

// SendGsmCall asks the modem to dial number. When robotTalk is set the
// firmware plays msg as synthesized speech once the call connects.
func (l *Link) SendGsmCall(number string, robotTalk bool, msg string) error {
	return l.send(gsmCallCmd{Cmd: "gsm_call", Number: number, RobotTalk: robotTalk, Msg: msg})
}

// SendGsmSMS asks the modem to text message to number.
func (l *Link) SendGsmSMS(number, message string) error {
	return l.send(gsmSMSCmd{Cmd: "gsm_sms", Number: number, Message: message})
}

// send marshals cmd as one JSON line and writes it under the port lock.
func (l *Link) send(cmd any) error {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("sensor: marshal command: %w", err)
	}
	raw = append(raw, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return ErrLinkDown
	}
	if _, err := l.port.Write(raw); err != nil {
		if l.metrics != nil {
			l.metrics.SerialWriteErrors.Add(1)
		}
		return fmt.Errorf("sensor: write command: %w", err)
	}
	return nil
}

// Connected reports whether a port is currently open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

func (l *Link) setPort(p io.ReadWriteCloser, name string) {
	l.mu.Lock()
	l.port = p
	l.portName = name
	l.mu.Unlock()
}

func (l *Link) closePort() {
	l.mu.Lock()
	if l.port != nil {
		_ = l.port.Close()
		l.port = nil
	}
	l.mu.Unlock()
}

func (l *Link) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits d or until Stop, reporting false on stop.
func (l *Link) sleep(d time.Duration) bool {
	select {
	case <-l.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
