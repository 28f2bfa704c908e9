//go:build linux && !baremetal

package internal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

const safamilyHW6 = 1

// Tap wraps a Linux TAP device (/dev/net/tun in IFF_TAP mode), delivering
// whole Ethernet frames with Read/Write. Frames carry no packet-info header
// since the device is opened with IFF_NO_PI.
type Tap struct {
	fd   int
	name string
}

// NewTap creates (or attaches to) a TAP interface named name. If ip is
// valid, the interface is brought up and assigned that address/prefix via
// the "ip" command line tool, mirroring how a developer would configure it
// by hand.
func NewTap(name string, ip netip.Prefix) (*Tap, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("name too large")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0o777)
	if err != nil {
		return nil, fmt.Errorf("failed to open tun device: %w", err)
	}
	ifr := makeifreq(name)
	ifr.setflags(uint16(unix.IFF_TAP | unix.IFF_NO_PI))
	if err := ioctl(fd, unix.TUNSETIFF, ifr.ptr()); err != nil {
		return nil, fmt.Errorf("creating tap interface: %w", err)
	}
	if ip.IsValid() {
		if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			return nil, fmt.Errorf("failed to set ip link: %w", err)
		}
		if err := exec.Command("ip", "addr", "add", ip.String(), "dev", name).Run(); err != nil {
			return nil, fmt.Errorf("failed to assign IP address: %w", err)
		}
	}
	return &Tap{fd: fd, name: name}, nil
}

func (tap *Tap) IPMask() (netip.Prefix, error) {
	sock, err := tap.getSock()
	if err != nil {
		return netip.Prefix{}, err
	}
	defer unix.Close(sock)
	return getSocketMask(sock, tap.name)
}

func (tap *Tap) Read(b []byte) (int, error)  { return unix.Read(tap.fd, b) }
func (tap *Tap) Write(b []byte) (int, error) { return unix.Write(tap.fd, b) }
func (tap *Tap) Close() error                { return unix.Close(tap.fd) }

func ioctl(fd int, request uint, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), uintptr(argp))
	if errno != 0 {
		return errno
	}
	return nil
}

func (tap *Tap) MTU() (int, error) {
	sock, err := tap.getSock()
	if err != nil {
		return 0, err
	}
	defer unix.Close(sock)
	return getSocketMTU(sock, tap.name)
}

func (tap *Tap) HardwareAddress6() (hw [6]byte, err error) {
	sock, err := tap.getSock()
	if err != nil {
		return hw, err
	}
	defer unix.Close(sock)
	return getSocketHW(sock, tap.name)
}

func (tap *Tap) getSock() (int, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_IP)
	if err != nil {
		return 0, fmt.Errorf("tap socket open: %w", err)
	}
	return sock, nil
}

func getSocketMTU(sockfd int, ifaceName string) (int, error) {
	ifr := makeifreq(ifaceName)
	if err := ioctl(sockfd, unix.SIOCGIFMTU, ifr.ptr()); err != nil {
		return 0, err
	}
	mtu := *(*int32)(unsafe.Pointer(&ifr.Data[0]))
	return int(mtu), nil
}

func getSocketHW(sockfd int, ifaceName string) (hw [6]byte, err error) {
	ifr := makeifreq(ifaceName)
	if err = ioctl(sockfd, unix.SIOCGIFHWADDR, ifr.ptr()); err != nil {
		return hw, err
	}
	family := *(*uint16)(unsafe.Pointer(&ifr.Data[0]))
	if family != safamilyHW6 {
		return hw, fmt.Errorf("expecting sa_family=1 got %d", family)
	}
	copy(hw[:], ifr.Data[2:])
	return hw, nil
}

func getSocketMask(sockfd int, ifaceName string) (netip.Prefix, error) {
	addrp, err := getSocketIP(sockfd, ifaceName)
	if err != nil {
		return netip.Prefix{}, err
	}
	ifr := makeifreq(ifaceName)
	if err := ioctl(sockfd, unix.SIOCGIFNETMASK, ifr.ptr()); err != nil {
		return netip.Prefix{}, err
	}
	addr32 := binary.BigEndian.Uint32(ifr.Data[4:8])
	cidr := bits.OnesCount32(addr32)
	return netip.PrefixFrom(addrp.Addr(), cidr), nil
}

func setSocketHW(sockfd int, ifaceName string, hw [6]byte) error {
	ifr := makeifreq(ifaceName)
	*(*uint16)(unsafe.Pointer(&ifr.Data[0])) = safamilyHW6
	copy(ifr.Data[2:], hw[:])
	if err := ioctl(sockfd, unix.SIOCSIFHWADDR, ifr.ptr()); err != nil {
		return fmt.Errorf("setting hw addr: %w", err)
	}
	return nil
}

func getSocketIP(sockfd int, ifaceName string) (addrp netip.AddrPort, err error) {
	ifr := makeifreq(ifaceName)
	if err = ioctl(sockfd, unix.SIOCGIFADDR, ifr.ptr()); err != nil {
		return netip.AddrPort{}, err
	}
	family := *(*uint16)(unsafe.Pointer(&ifr.Data[0]))
	port := *(*uint16)(unsafe.Pointer(&ifr.Data[2]))
	switch family {
	case unix.AF_INET:
		addr, _ := netip.AddrFromSlice(ifr.Data[4:8])
		addrp = netip.AddrPortFrom(addr, port)
	default:
		return addrp, fmt.Errorf("unsupported IP addr sa_family=%d", family)
	}
	return addrp, nil
}

func makeifreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.Name[:], name)
	return ifr
}

type ifreq struct {
	Name [unix.IFNAMSIZ]byte
	Data [64]byte // union data (covers ifr_hwaddr, ifr_mtu, ifr_addr, ...)
}

func (ifr *ifreq) setflags(flags uint16) {
	*(*uint16)(unsafe.Pointer(&ifr.Data[0])) = flags
}

func (ifr *ifreq) ptr() unsafe.Pointer { return unsafe.Pointer(ifr) }

// Bridge is a raw AF_PACKET socket bound to an existing interface (a
// physical NIC, or a TAP device owned by someone else), used to inject and
// capture frames on that interface directly instead of through a TAP fd.
type Bridge struct {
	fd    int
	name  string
	index int
}

func NewBridge(name string) (*Bridge, error) {
	iface, err := interfaceByName(name)
	if err != nil {
		return nil, err
	}
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, err
	}
	ll := unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &ll); err != nil {
		return nil, err
	}
	return &Bridge{fd: fd, name: iface.Name, index: iface.Index}, nil
}

func (br *Bridge) Write(frame []byte) (int, error) { return unix.Write(br.fd, frame) }
func (br *Bridge) Read(frame []byte) (int, error)  { return unix.Read(br.fd, frame) }
func (br *Bridge) Close() error                    { return unix.Close(br.fd) }

func (br *Bridge) HardwareAddress6() (hw [6]byte, err error) {
	return getSocketHW(br.fd, br.name)
}

func (br *Bridge) SetHardwareAddress6(hw [6]byte) error {
	return setSocketHW(br.fd, br.name, hw)
}

func (br *Bridge) IPMask() (netip.Prefix, error) { return getSocketMask(br.fd, br.name) }

func (br *Bridge) Addr() (netip.Addr, error) {
	addrp, err := getSocketIP(br.fd, br.name)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrp.Addr(), nil
}

func (br *Bridge) MTU() (int, error) { return getSocketMTU(br.fd, br.name) }

// htons converts a uint16 from host to network byte order.
func htons(i uint16) uint16 { return (i<<8)&0xff00 | i>>8 }
