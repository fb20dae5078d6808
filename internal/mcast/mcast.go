// Package mcast implements spec.md §6's multicast address allocation: a
// random administratively-scoped IPv4 address for a session that opts
// into multicast delivery, with an RTP/RTCP port pair bound before being
// handed back to the caller.
package mcast

import (
	"fmt"
	"math/rand"
	"net"
)

// maxAllocAttempts mirrors the original source's MulticastAddr allocator
// (original_source/DesktopSharing), which retries a bounded 1000 times
// before giving up rather than looping forever, per SPEC_FULL.md §D.4.
const maxAllocAttempts = 1000

// rangeLow/rangeHigh bound the administratively-scoped multicast
// block 232.0.1.0 … 239.255.255.254 that spec.md §6 names.
var (
	rangeLow  = net.IPv4(232, 0, 1, 0).To4()
	rangeHigh = net.IPv4(239, 255, 255, 254).To4()
)

func randomAddrInRange() net.IP {
	lo := be32(rangeLow)
	hi := be32(rangeHigh)
	v := lo + uint32(rand.Int63n(int64(hi-lo+1)))
	return be32ToIP(v)
}

func be32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func be32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Allocation is one granted multicast address and its bound RTP/RTCP
// sockets, owned by the caller until Release is called.
type Allocation struct {
	Addr     net.IP
	RTPPort  int
	RTCPPort int

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
}

// RTPConn and RTCPConn expose the bound local sockets for the session's
// RTP send path.
func (a *Allocation) RTPConn() *net.UDPConn  { return a.rtpConn }
func (a *Allocation) RTCPConn() *net.UDPConn { return a.rtcpConn }

// Release closes the allocation's sockets, freeing the address for reuse
// by a future Allocate call.
func (a *Allocation) Release() {
	if a.rtpConn != nil {
		a.rtpConn.Close()
	}
	if a.rtcpConn != nil {
		a.rtcpConn.Close()
	}
}

// Allocate picks a random address in the administratively-scoped range,
// tries to bind an even RTP port and the following odd RTCP port on the
// wildcard address (0.0.0.0), and retries with a new address and port on
// any bind failure, up to maxAllocAttempts times. The group address itself
// is not checked against addresses already handed out; only the port pair
// is verified free, by binding it.
func Allocate() (*Allocation, error) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		addr := randomAddrInRange()
		port := 10000 + 2*rand.Intn(20000)

		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			continue
		}
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port + 1})
		if err != nil {
			rtpConn.Close()
			continue
		}

		return &Allocation{
			Addr:     addr,
			RTPPort:  port,
			RTCPPort: port + 1,
			rtpConn:  rtpConn,
			rtcpConn: rtcpConn,
		}, nil
	}
	return nil, fmt.Errorf("mcast: failed to allocate a multicast address+port pair after %d attempts", maxAllocAttempts)
}
