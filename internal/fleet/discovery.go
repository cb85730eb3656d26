package fleet

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// SystemTag identifies this deployment in discovery announcements so workers
// ignore beacons from unrelated systems sharing the LAN.
const SystemTag = "guardian_system"

const announceInterval = 2 * time.Second

// announceMsg is the UDP discovery beacon payload.
type announceMsg struct {
	Type   string `json:"type"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	System string `json:"system"`
}

// LocalIP returns the address the OS would use to reach the public internet.
// No packet is sent; the connected UDP socket only fixes a source address.
// Falls back to loopback when the host has no route.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// AnnouncerOption customises an Announcer.
type AnnouncerOption func(*Announcer)

// WithBroadcastAddr overrides the destination of discovery datagrams.
// The default is the limited broadcast address on the discovery port.
func WithBroadcastAddr(addr string) AnnouncerOption {
	return func(a *Announcer) { a.target = addr }
}

// WithAnnounceInterval overrides the beacon period.
func WithAnnounceInterval(d time.Duration) AnnouncerOption {
	return func(a *Announcer) { a.interval = d }
}

// Announcer broadcasts the coordinator's TCP endpoint on the discovery port
// so workers can register without manual configuration.
type Announcer struct {
	log      *slog.Logger
	target   string
	tcpPort  int
	interval time.Duration

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewAnnouncer builds a beacon announcing tcpPort on discoveryPort.
func NewAnnouncer(logger *slog.Logger, discoveryPort, tcpPort int, opts ...AnnouncerOption) *Announcer {
	a := &Announcer{
		log:      logger.With(slog.String("component", "discovery")),
		target:   fmt.Sprintf("255.255.255.255:%d", discoveryPort),
		tcpPort:  tcpPort,
		interval: announceInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the broadcast loop. The local IP is resolved once at start;
// a beacon with a stale address is harmless because workers also fall back to
// the datagram's source address.
func (a *Announcer) Start() {
	a.startOnce.Do(func() {
		go a.run()
	})
}

// Stop halts the beacon and waits for the loop to exit.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		<-a.doneCh
	})
}

func (a *Announcer) run() {
	defer close(a.doneCh)

	payload, err := json.Marshal(announceMsg{
		Type:   "server_announce",
		IP:     LocalIP(),
		Port:   a.tcpPort,
		System: SystemTag,
	})
	if err != nil {
		a.log.Error("marshal announce payload", slog.String("error", err.Error()))
		return
	}

	conn, err := net.Dial("udp4", a.target)
	if err != nil {
		a.log.Error("open broadcast socket",
			slog.String("target", a.target),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	a.log.Info("announcing coordinator",
		slog.String("target", a.target),
		slog.Int("tcp_port", a.tcpPort),
	)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		// Send immediately, then on every tick.
		if _, err := conn.Write(payload); err != nil {
			a.log.Warn("broadcast failed", slog.String("error", err.Error()))
		}
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
		}
	}
}
