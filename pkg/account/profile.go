package account

import (
	"crypto/sha256"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Identity is the registering device. It is derived once at startup.
type Identity struct {
	DeviceID  string
	LocalIP   net.IP
	LocalPort int
}

// NewIdentity derives the device id from the local address.
func NewIdentity(ip net.IP, port int) *Identity {
	return &Identity{
		DeviceID:  DeviceID(ip),
		LocalIP:   ip,
		LocalPort: port,
	}
}

// HostPort renders the address advertised in Via and Contact.
func (i *Identity) HostPort() string {
	return net.JoinHostPort(i.LocalIP.String(), fmt.Sprintf("%d", i.LocalPort))
}

// Credentials is the SIP account issued by the credential provider. The realm
// doubles as the registrar host.
type Credentials struct {
	Login    string
	Password string
	Realm    string
}

func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{login=%s, realm=%s}", c.Login, c.Realm)
}

// DeviceID hashes the IPv4 address into a stable, version-4 shaped UUID.
// The same address always yields the same id.
func DeviceID(ip net.IP) string {
	sum := sha256.Sum256([]byte(ip.String()))

	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}
