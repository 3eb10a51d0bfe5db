package account

import (
	"net"

	"github.com/ghettovoice/gosip/util"
	"github.com/pkg/errors"
)

var ErrNoAddress = errors.New("no usable IPv4 address")

// ResolveLocalIP returns the override when set, otherwise the first
// non-loopback IPv4 address of the host.
func ResolveLocalIP(override string) (net.IP, error) {
	if override != "" {
		ip := net.ParseIP(override)
		if ip == nil || ip.To4() == nil {
			return nil, errors.Wrapf(ErrNoAddress, "invalid address override %q", override)
		}
		return ip.To4(), nil
	}

	ip, err := util.ResolveSelfIP()
	if err != nil {
		return nil, errors.Wrap(err, "resolve self IP")
	}
	if ip == nil || ip.To4() == nil {
		return nil, ErrNoAddress
	}
	return ip.To4(), nil
}
