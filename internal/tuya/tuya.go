package tuya

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cybre/growlight-controller/internal/errors"
)

const (
	// broadcast ports: 6666 carries plain 3.1 announcements, 6667 encrypted 3.3 ones
	plainBroadcastPort     = 6666
	encryptedBroadcastPort = 6667
	// TCP port of the local control session
	controlPort = 6668
	// how long Find waits for the device to announce itself
	discoverTimeout = 10 * time.Second
	// timeout for dialing the control session
	dialTimeout = 5 * time.Second
	// devices drop the session after ~30s without a ping
	pingInterval = 10 * time.Second
	// protocol version spoken when the device does not say otherwise
	defaultVersion = "3.3"
)

// Announcement is the discovery broadcast payload of a device.
type Announcement struct {
	IP      string `json:"ip"`
	GwID    string `json:"gwId"`
	Version string `json:"version"`
}

// Discover listens for the UDP broadcasts every Tuya device sends on the local
// network and returns the announcement of the device with the given id.
func Discover(ctx context.Context, id string) (Announcement, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	found := make(chan Announcement, 1)

	for _, port := range []int{plainBroadcastPort, encryptedBroadcastPort} {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
		if err != nil {
			return Announcement{}, errors.Wrapf(err, "listen for broadcasts on port %d", port)
		}
		defer conn.Close()

		go listenBroadcasts(conn, id, found)
	}

	select {
	case a := <-found:
		return a, nil
	case <-ctx.Done():
		return Announcement{}, errors.Wrapf(ctx.Err(), "find device %s", id)
	}
}

func listenBroadcasts(conn net.PacketConn, id string, found chan<- Announcement) {
	buf := make([]byte, 1024)

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}

		a, err := parseAnnouncement(buf[:n])
		if err != nil || a.GwID != id {
			continue
		}

		select {
		case found <- a:
		default:
		}

		return
	}
}

func parseAnnouncement(packet []byte) (Announcement, error) {
	f, err := decodeFrame(packet)
	if err != nil {
		return Announcement{}, err
	}

	payload := openPayload(udpKey[:], defaultVersion, f.payload)

	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return Announcement{}, errors.Wrapf(err, "unmarshal announcement")
	}

	return a, nil
}
