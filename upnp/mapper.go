package upnp

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Mapper keeps UDP/TCP port forwards for this node refreshed on the
// local gateway for as long as it runs.
type Mapper struct {
	log     *logrus.Entry
	gateway Gateway
	localIP net.IP

	ports []mappedPort
}

type mappedPort struct {
	protocol string
	port     uint16
}

const leaseSeconds = 3600

// NewMapper discovers a gateway reachable from localIP. Returns nil,
// err if none is found; callers should treat this as non-fatal.
func NewMapper(log *logrus.Entry, localIP net.IP) (*Mapper, error) {
	gw, err := Discover(localIP)
	if err != nil {
		return nil, err
	}
	return &Mapper{log: log.WithField("component", "upnp"), gateway: gw, localIP: localIP}, nil
}

// Map requests a forward for one of this node's listening ports and
// remembers it for periodic renewal.
func (m *Mapper) Map(protocol string, port uint16, description string) error {
	if _, err := m.gateway.AddPortMapping(protocol, m.localIP, port, port, description, leaseSeconds); err != nil {
		return err
	}
	m.ports = append(m.ports, mappedPort{protocol: protocol, port: port})
	m.log.WithFields(logrus.Fields{"protocol": protocol, "port": port}).Info("upnp port mapped")
	return nil
}

// Renew re-requests every mapping tracked by this Mapper. Routers
// expire leases, so callers should invoke this periodically (well
// inside leaseSeconds) for the lifetime of the node.
func (m *Mapper) Renew() {
	for _, p := range m.ports {
		if _, err := m.gateway.AddPortMapping(p.protocol, m.localIP, p.port, p.port, "sparxnet", leaseSeconds); err != nil {
			m.log.WithError(err).Warn("upnp renewal failed")
		}
	}
}

// RenewLoop runs Renew on an interval until stop is closed.
func (m *Mapper) RenewLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Renew()
		case <-stop:
			return
		}
	}
}

// Close removes every mapping this Mapper created.
func (m *Mapper) Close() {
	for _, p := range m.ports {
		if err := m.gateway.DeletePortMapping(p.protocol, p.port); err != nil {
			m.log.WithError(err).Warn("upnp unmap failed")
		}
	}
	m.ports = nil
}

// ExternalAddress reports the gateway's public IP, if known.
func (m *Mapper) ExternalAddress() (net.IP, error) {
	return m.gateway.ExternalAddress()
}
