// ABOUTME: mDNS advertisement for the audio engine's control endpoint
// ABOUTME: Lets remote-control clients find a running engine on the LAN
package discovery

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/mdns"

	"github.com/Cadenza-Audio/cadenza-go/internal/version"
)

const serviceType = "_cadenza._tcp"

// Config holds advertisement settings.
type Config struct {
	// ServiceName identifies this engine instance; defaults to the hostname.
	ServiceName string

	// Port is the control endpoint's TCP port.
	Port int
}

// Manager owns one mDNS advertisement.
type Manager struct {
	config   Config
	server   *mdns.Server
	stopOnce sync.Once
}

// NewManager creates a manager. Advertise begins broadcasting.
func NewManager(config Config) *Manager {
	if config.ServiceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "cadenza"
		}
		config.ServiceName = fmt.Sprintf("%s-cadenza", hostname)
	}
	return &Manager{config: config}
}

// Advertise publishes the control endpoint via mDNS.
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		serviceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=/control", "version=" + version.Version},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}
	m.server = server

	log.Printf("Advertising mDNS service: %s on port %d (type: %s)",
		m.config.ServiceName, m.config.Port, serviceType)
	return nil
}

// Stop withdraws the advertisement.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.server != nil {
			m.server.Shutdown()
		}
	})
}

// getLocalIPs returns the machine's non-loopback IPv4 addresses.
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
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
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
