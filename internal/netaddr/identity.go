// Package netaddr implements the peer identity used as the server's
// client-table key: an immutable (ip-address, port) pair over a tagged
// IPv4/IPv6/none address variant, matching the address handling in
// FastEngine's C_ipAddress.
package netaddr

import (
	"fmt"
	"net"
	"net/netip"
)

// Family discriminates the variants of an address.
type Family uint8

const (
	// FamilyNone is the zero value: an address carrying no bytes.
	FamilyNone Family = iota
	// FamilyV4 holds a 32-bit IPv4 address.
	FamilyV4
	// FamilyV6 holds a 128-bit, network-byte-ordered IPv6 address.
	FamilyV6
)

// Address is a tagged variant over {none, v4, v6}, stored in network byte
// order exactly as received off the wire or from a net.UDPAddr.
type Address struct {
	family Family
	v4     [4]byte
	v6     [16]byte
}

// None is the zero-value address.
var None = Address{family: FamilyNone}

// AddressFromIP converts a net.IP (4 or 16 byte form) into an Address.
func AddressFromIP(ip net.IP) (Address, error) {
	if ip == nil {
		return None, nil
	}
	if v4 := ip.To4(); v4 != nil {
		var a Address
		a.family = FamilyV4
		copy(a.v4[:], v4)
		return a, nil
	}
	if v6 := ip.To16(); v6 != nil {
		var a Address
		a.family = FamilyV6
		copy(a.v6[:], v6)
		return a, nil
	}
	return Address{}, fmt.Errorf("netaddr: invalid IP %v", ip)
}

// Family reports which variant this address holds.
func (a Address) Family() Family { return a.family }

// IP reconstructs a net.IP view of the address (nil for FamilyNone).
func (a Address) IP() net.IP {
	switch a.family {
	case FamilyV4:
		ip := make(net.IP, 4)
		copy(ip, a.v4[:])
		return ip
	case FamilyV6:
		ip := make(net.IP, 16)
		copy(ip, a.v6[:])
		return ip
	default:
		return nil
	}
}

// String renders the address using the standard net.IP formatting.
func (a Address) String() string {
	if a.family == FamilyNone {
		return "<none>"
	}
	return a.IP().String()
}

// Equal reports whether two addresses hold the same family and bytes.
func (a Address) Equal(b Address) bool {
	if a.family != b.family {
		return false
	}
	switch a.family {
	case FamilyV4:
		return a.v4 == b.v4
	case FamilyV6:
		return a.v6 == b.v6
	default:
		return true
	}
}

// Identity is the immutable (address, port) pair used to key the server's
// client table and to label received packets with their origin.
type Identity struct {
	Addr Address
	Port uint16
}

// IdentityFromUDPAddr builds an Identity from a resolved net.UDPAddr.
func IdentityFromUDPAddr(addr *net.UDPAddr) (Identity, error) {
	a, err := AddressFromIP(addr.IP)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Addr: a, Port: uint16(addr.Port)}, nil
}

// IdentityFromAddrPort builds an Identity from a netip.AddrPort, the form
// returned by most modern net package APIs (net.UDPConn.ReadFromUDPAddrPort).
func IdentityFromAddrPort(ap netip.AddrPort) (Identity, error) {
	return IdentityFromUDPAddr(net.UDPAddrFromAddrPort(ap))
}

// Equal reports whether two identities name the same peer.
func (id Identity) Equal(other Identity) bool {
	return id.Port == other.Port && id.Addr.Equal(other.Addr)
}

// String renders "ip:port".
func (id Identity) String() string {
	return fmt.Sprintf("%s:%d", id.Addr, id.Port)
}

// Key returns a comparable value usable as a Go map key, since Address
// itself is already comparable (fixed-size arrays + a tag), but Key makes
// that intent explicit at call sites.
func (id Identity) Key() Identity { return id }

// UDPAddr reconstructs a *net.UDPAddr suitable for socket I/O.
func (id Identity) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: id.Addr.IP(), Port: int(id.Port)}
}
