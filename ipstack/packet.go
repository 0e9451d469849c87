// Copyright 2023 The YtFlowCore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipstack

import (
	"encoding/binary"
	"errors"
	"net"
)

const (
	protoTCP = 6
	protoUDP = 17
)

var errShortPacket = errors.New("ipstack: truncated packet")

// ipPacket is the decoded view of one raw IP packet: addressing, L4
// protocol, and the L4 payload slice (aliasing the original buffer).
type ipPacket struct {
	v6      bool
	src     net.IP
	dst     net.IP
	proto   byte
	payload []byte
}

// parseIP decodes the IP header of pkt, accepting IPv4 (no options
// restriction; IHL respected) and IPv6 (no extension headers; flows that
// need them are outside what a TUN proxy captures).
func parseIP(pkt []byte) (ipPacket, error) {
	if len(pkt) < 1 {
		return ipPacket{}, errShortPacket
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return ipPacket{}, errShortPacket
		}
		ihl := int(pkt[0]&0x0f) * 4
		total := int(binary.BigEndian.Uint16(pkt[2:4]))
		if ihl < 20 || total < ihl || total > len(pkt) {
			return ipPacket{}, errShortPacket
		}
		return ipPacket{
			src:     net.IP(pkt[12:16]),
			dst:     net.IP(pkt[16:20]),
			proto:   pkt[9],
			payload: pkt[ihl:total],
		}, nil
	case 6:
		if len(pkt) < 40 {
			return ipPacket{}, errShortPacket
		}
		plen := int(binary.BigEndian.Uint16(pkt[4:6]))
		if 40+plen > len(pkt) {
			return ipPacket{}, errShortPacket
		}
		return ipPacket{
			v6:      true,
			src:     net.IP(pkt[8:24]),
			dst:     net.IP(pkt[24:40]),
			proto:   pkt[6],
			payload: pkt[40 : 40+plen],
		}, nil
	default:
		return ipPacket{}, errors.New("ipstack: unsupported IP version")
	}
}

// writeIPHeader writes an IP header for a payload of payloadLen bytes of
// protocol proto from src to dst into buf, returning the header length.
// buf must have room for 40 bytes.
func writeIPHeader(buf []byte, src, dst net.IP, proto byte, payloadLen int) int {
	if s4 := src.To4(); s4 != nil {
		buf[0] = 0x45
		buf[1] = 0
		binary.BigEndian.PutUint16(buf[2:4], uint16(20+payloadLen))
		binary.BigEndian.PutUint16(buf[4:6], 0)      // id
		binary.BigEndian.PutUint16(buf[6:8], 0x4000) // DF
		buf[8] = 64
		buf[9] = proto
		buf[10], buf[11] = 0, 0
		copy(buf[12:16], s4)
		copy(buf[16:20], dst.To4())
		cs := internetChecksum(buf[:20], 0)
		binary.BigEndian.PutUint16(buf[10:12], cs)
		return 20
	}
	buf[0] = 0x60
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.BigEndian.PutUint16(buf[4:6], uint16(payloadLen))
	buf[6] = proto
	buf[7] = 64
	copy(buf[8:24], src.To16())
	copy(buf[24:40], dst.To16())
	return 40
}

// internetChecksum computes the RFC 1071 ones-complement sum of b folded
// into 16 bits, seeded with initial (already folded or not, both work).
func internetChecksum(b []byte, initial uint32) uint16 {
	sum := initial
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b[:2]))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// pseudoHeaderSum seeds an L4 checksum with the IPv4/IPv6 pseudo header.
func pseudoHeaderSum(src, dst net.IP, proto byte, l4len int) uint32 {
	var sum uint32
	addAddr := func(ip net.IP) {
		for i := 0; i < len(ip); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(ip[i : i+2]))
		}
	}
	if s4 := src.To4(); s4 != nil {
		addAddr(s4)
		addAddr(dst.To4())
	} else {
		addAddr(src.To16())
		addAddr(dst.To16())
	}
	sum += uint32(proto)
	sum += uint32(l4len)
	return sum
}

// tcpSegment is the decoded view of one TCP segment.
type tcpSegment struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            byte
	window           uint16
	payload          []byte
}

const (
	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
	flagPSH = 0x08
	flagACK = 0x10
)

func parseTCP(payload []byte) (tcpSegment, error) {
	if len(payload) < 20 {
		return tcpSegment{}, errShortPacket
	}
	off := int(payload[12]>>4) * 4
	if off < 20 || off > len(payload) {
		return tcpSegment{}, errShortPacket
	}
	return tcpSegment{
		srcPort: binary.BigEndian.Uint16(payload[0:2]),
		dstPort: binary.BigEndian.Uint16(payload[2:4]),
		seq:     binary.BigEndian.Uint32(payload[4:8]),
		ack:     binary.BigEndian.Uint32(payload[8:12]),
		flags:   payload[13],
		window:  binary.BigEndian.Uint16(payload[14:16]),
		payload: payload[off:],
	}, nil
}

// writeTCP serializes a TCP segment (with an MSS option on SYN-ACK) into
// buf after the IP header and returns its total length. mss==0 omits the
// option.
func writeTCP(buf []byte, src, dst net.IP, seg tcpSegment, mss uint16) int {
	hdrLen := 20
	if mss != 0 {
		hdrLen = 24
	}
	binary.BigEndian.PutUint16(buf[0:2], seg.srcPort)
	binary.BigEndian.PutUint16(buf[2:4], seg.dstPort)
	binary.BigEndian.PutUint32(buf[4:8], seg.seq)
	binary.BigEndian.PutUint32(buf[8:12], seg.ack)
	buf[12] = byte(hdrLen/4) << 4
	buf[13] = seg.flags
	binary.BigEndian.PutUint16(buf[14:16], seg.window)
	buf[16], buf[17] = 0, 0 // checksum, below
	buf[18], buf[19] = 0, 0 // urgent
	if mss != 0 {
		buf[20], buf[21] = 2, 4
		binary.BigEndian.PutUint16(buf[22:24], mss)
	}
	n := hdrLen + copy(buf[hdrLen:], seg.payload)
	cs := internetChecksum(buf[:n], pseudoHeaderSum(src, dst, protoTCP, n))
	binary.BigEndian.PutUint16(buf[16:18], cs)
	return n
}

// udpDatagram is the decoded view of one UDP datagram.
type udpDatagram struct {
	srcPort, dstPort uint16
	payload          []byte
}

func parseUDP(payload []byte) (udpDatagram, error) {
	if len(payload) < 8 {
		return udpDatagram{}, errShortPacket
	}
	ulen := int(binary.BigEndian.Uint16(payload[4:6]))
	if ulen < 8 || ulen > len(payload) {
		return udpDatagram{}, errShortPacket
	}
	return udpDatagram{
		srcPort: binary.BigEndian.Uint16(payload[0:2]),
		dstPort: binary.BigEndian.Uint16(payload[2:4]),
		payload: payload[8:ulen],
	}, nil
}

func writeUDP(buf []byte, src, dst net.IP, srcPort, dstPort uint16, payload []byte) int {
	n := 8 + len(payload)
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(n))
	buf[6], buf[7] = 0, 0
	copy(buf[8:], payload)
	cs := internetChecksum(buf[:n], pseudoHeaderSum(src, dst, protoUDP, n))
	if cs == 0 {
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(buf[6:8], cs)
	return n
}
