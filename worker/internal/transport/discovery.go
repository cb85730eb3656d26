package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// SystemTag identifies the deployment whose beacons this worker follows.
// Beacons from unrelated systems sharing the LAN are ignored.
const SystemTag = "guardian_system"

// announceMsg is the coordinator's UDP discovery beacon payload.
type announceMsg struct {
	Type   string `json:"type"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	System string `json:"system"`
}

// Discover blocks until a coordinator beacon arrives on the given UDP port
// and returns the coordinator's worker listener as "host:port". When the
// beacon's advertised IP is unusable the datagram's source address is used
// instead, which covers coordinators that resolved a stale local address.
// Discover returns ctx.Err() when the context ends first.
func Discover(ctx context.Context, port int, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "discovery"))

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", fmt.Errorf("transport: listen discovery port %d: %w", port, err)
	}
	defer pc.Close()

	// A cancelled context unblocks the pending read by closing the socket.
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()

	log.Info("waiting for coordinator beacon", slog.Int("port", port))

	buf := make([]byte, 2048)
	for {
		n, src, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("transport: discovery read: %w", err)
		}

		var beacon announceMsg
		if err := json.Unmarshal(buf[:n], &beacon); err != nil {
			log.Debug("ignoring malformed datagram", slog.String("from", src.String()))
			continue
		}
		if beacon.Type != "server_announce" || beacon.System != SystemTag {
			continue
		}
		if beacon.Port < 1 || beacon.Port > 65535 {
			log.Warn("beacon with unusable port",
				slog.Int("port", beacon.Port),
				slog.String("from", src.String()),
			)
			continue
		}

		host := beacon.IP
		if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() || ip.IsLoopback() {
			if udpSrc, ok := src.(*net.UDPAddr); ok && !udpSrc.IP.IsUnspecified() {
				host = udpSrc.IP.String()
			}
		}

		addr := net.JoinHostPort(host, strconv.Itoa(beacon.Port))
		log.Info("coordinator discovered",
			slog.String("addr", addr),
			slog.String("beacon_ip", beacon.IP),
		)
		return addr, nil
	}
}
