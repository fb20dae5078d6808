package rtp

import (
	"fmt"
	"math/rand"
	"net"
)

// udpBindAttempts is spec.md §4.3's "re-roll up to 10 times until bind
// succeeds" retry bound for UDP unicast SETUP.
const udpBindAttempts = 10

const (
	ephemeralLow  = 20000
	ephemeralHigh = 60000
)

// BindPortPair allocates an even RTP port and the following odd RTCP port
// on ip, retrying with a freshly chosen even port on any bind failure.
func BindPortPair(ip string) (rtpConn, rtcpConn *net.UDPConn, err error) {
	for attempt := 0; attempt < udpBindAttempts; attempt++ {
		port := ephemeralLow + 2*rand.Intn((ephemeralHigh-ephemeralLow)/2)

		rc, rerr := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
		if rerr != nil {
			continue
		}
		cc, cerr := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port + 1})
		if cerr != nil {
			rc.Close()
			continue
		}
		return rc, cc, nil
	}
	return nil, nil, fmt.Errorf("rtp: failed to bind udp port pair after %d attempts", udpBindAttempts)
}
