package netutil

import (
	"net"

	"github.com/pkg/errors"
)

// LocalIPv4 returns the IPv4 address this machine is known by. It prefers the first
// non-loopback interface address, then the preferred outbound address.
func LocalIPv4() (net.IP, error) {
	ip, err := GetNonLoopbackIP()
	if err == nil {
		return ip, nil
	}
	ip, oErr := GetOutboundIP()
	if oErr != nil {
		return nil, errors.WithMessagef(err, "get outbound ip: %s", oErr.Error())
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4, nil
	}
	return nil, errors.Errorf("outbound ip %s is not ipv4", ip)
}

// GetOutboundIP returns the preferred outbound ip of this machine
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, errors.Wrap(err, "dial udp")
	}
	defer func(conn net.Conn) { _ = conn.Close() }(conn)

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP, nil
}

// GetNonLoopbackIP returns the first non-loopback IPv4 address of this machine
func GetNonLoopbackIP() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}

	return nil, errors.New("no non-loopback IP address found")
}
