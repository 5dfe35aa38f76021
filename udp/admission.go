package udp

import "net"

// admitSource reports whether a datagram's source address passes the IANA
// source filter (C6). When allowIANA is false, addresses whose first octet
// is 0, 10, 127, or in [224, 255] are rejected; these are the obviously
// routing-invalid and multicast ranges, not the full RFC1918 private space.
func admitSource(ip net.IP, allowIANA bool) bool {
	if allowIANA {
		return true
	}

	v4 := ip.To4()
	if v4 == nil {
		return true
	}

	switch {
	case v4[0] == 0, v4[0] == 10, v4[0] == 127, v4[0] >= 224:
		return false
	default:
		return true
	}
}
