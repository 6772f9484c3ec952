package compute

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/observability"
	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// PortPoolConfig bounds the ports an agent may hand out and controls how
// consoles are advertised.
type PortPoolConfig struct {
	// TCP allocation range, inclusive.
	TCPFirst int
	TCPLast  int

	// UDP allocation range, inclusive.
	UDPFirst int
	UDPLast  int

	// Host is the address consoles are advertised on.
	Host string

	// ConsoleBindToAny advertises consoles on the wildcard address instead
	// of Host. Independent of allocation.
	ConsoleBindToAny bool
}

// Validate validates the pool configuration and fills defaults.
func (c *PortPoolConfig) Validate() error {
	if c.TCPFirst == 0 && c.TCPLast == 0 {
		c.TCPFirst, c.TCPLast = 2000, 3000
	}
	if c.UDPFirst == 0 && c.UDPLast == 0 {
		c.UDPFirst, c.UDPLast = 10000, 20000
	}
	if c.TCPFirst <= 0 || c.TCPLast < c.TCPFirst {
		return fmt.Errorf("invalid TCP port range [%d, %d]", c.TCPFirst, c.TCPLast)
	}
	if c.UDPFirst <= 0 || c.UDPLast < c.UDPFirst {
		return fmt.Errorf("invalid UDP port range [%d, %d]", c.UDPFirst, c.UDPLast)
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	return nil
}

// probeFunc checks whether a port can actually be bound on the host.
// Swappable in tests.
type probeFunc func(network, host string, port int) bool

// PortPool hands out TCP and UDP ports from a configured range without
// colliding with other reservations or with ports held by unrelated
// processes on the host. One pool per agent process.
type PortPool struct {
	config PortPoolConfig
	logger *zap.Logger
	probe  probeFunc

	// mu spans the whole probe-then-reserve sequence so two concurrently
	// starting nodes can never be handed the same port.
	mu          sync.Mutex
	reservedTCP map[int]string // port -> owning project ID
	reservedUDP map[int]string
}

// NewPortPool creates a port pool.
func NewPortPool(config PortPoolConfig, logger *zap.Logger) (*PortPool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid port pool configuration: %w", err)
	}
	return &PortPool{
		config:      config,
		logger:      logger,
		probe:       probeBind,
		reservedTCP: make(map[int]string),
		reservedUDP: make(map[int]string),
	}, nil
}

// probeBind attempts a real bind to detect ports held by processes the pool
// does not know about.
func probeBind(network, host string, port int) bool {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	switch network {
	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	default:
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		l.Close()
		return true
	}
}

// ConsoleHost returns the address consoles should be advertised on.
func (p *PortPool) ConsoleHost() string {
	if p.config.ConsoleBindToAny {
		return "0.0.0.0"
	}
	return p.config.Host
}

// ReserveTCPPort reserves a TCP port for a project. The preferred port is
// honored when it falls inside the configured range, is not already reserved
// and bind-probes successfully; otherwise the range is scanned for the first
// usable port.
func (p *PortPool) ReserveTCPPort(preferred int, projectID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferred >= p.config.TCPFirst && preferred <= p.config.TCPLast {
		if _, taken := p.reservedTCP[preferred]; !taken && p.probe("tcp", p.config.Host, preferred) {
			p.reservedTCP[preferred] = projectID
			observability.PortsReserved.WithLabelValues("tcp").Inc()
			return preferred, nil
		}
	}
	return p.scanLocked("tcp", p.reservedTCP, p.config.TCPFirst, p.config.TCPLast, projectID)
}

// ReserveUDPPort reserves a UDP port for a project. Unlike TCP, asking for a
// port this pool has already reserved is a hard conflict: UDP ports pair up
// as tunnel endpoints and must not be silently substituted.
func (p *PortPool) ReserveUDPPort(preferred int, projectID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferred >= p.config.UDPFirst && preferred <= p.config.UDPLast {
		if owner, taken := p.reservedUDP[preferred]; taken {
			return 0, &rpcerr.ConflictError{
				Resource: fmt.Sprintf("udp-port:%d", preferred),
				Message:  fmt.Sprintf("UDP port %d is already reserved by project %s", preferred, owner),
			}
		}
		if p.probe("udp", p.config.Host, preferred) {
			p.reservedUDP[preferred] = projectID
			observability.PortsReserved.WithLabelValues("udp").Inc()
			return preferred, nil
		}
	}
	return p.scanLocked("udp", p.reservedUDP, p.config.UDPFirst, p.config.UDPLast, projectID)
}

func (p *PortPool) scanLocked(network string, reserved map[int]string, first, last int, projectID string) (int, error) {
	for port := first; port <= last; port++ {
		if _, taken := reserved[port]; taken {
			continue
		}
		if !p.probe(network, p.config.Host, port) {
			continue
		}
		reserved[port] = projectID
		observability.PortsReserved.WithLabelValues(network).Inc()
		return port, nil
	}
	p.logger.Warn("port range exhausted",
		zap.String("network", network),
		zap.Int("first", first),
		zap.Int("last", last))
	return 0, &rpcerr.ConflictError{
		Resource: fmt.Sprintf("%s-port-range", network),
		Message:  fmt.Sprintf("no free %s port in range [%d, %d]", network, first, last),
	}
}

// ReleaseTCPPort releases a TCP port. Releasing an unreserved port is a no-op.
func (p *PortPool) ReleaseTCPPort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reservedTCP[port]; ok {
		delete(p.reservedTCP, port)
		observability.PortsReserved.WithLabelValues("tcp").Dec()
	}
}

// ReleaseUDPPort releases a UDP port. Releasing an unreserved port is a no-op.
func (p *PortPool) ReleaseUDPPort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reservedUDP[port]; ok {
		delete(p.reservedUDP, port)
		observability.PortsReserved.WithLabelValues("udp").Dec()
	}
}

// ReleaseProject force-releases every port still reserved by a project and
// returns the leaked ports per protocol, for the caller to log.
func (p *PortPool) ReleaseProject(projectID string) (tcp, udp []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port, owner := range p.reservedTCP {
		if owner == projectID {
			delete(p.reservedTCP, port)
			observability.PortsReserved.WithLabelValues("tcp").Dec()
			tcp = append(tcp, port)
		}
	}
	for port, owner := range p.reservedUDP {
		if owner == projectID {
			delete(p.reservedUDP, port)
			observability.PortsReserved.WithLabelValues("udp").Dec()
			udp = append(udp, port)
		}
	}
	if leaked := len(tcp) + len(udp); leaked > 0 {
		observability.PortLeaksTotal.Add(float64(leaked))
	}
	return tcp, udp
}

// Reserved returns the number of currently reserved TCP and UDP ports.
func (p *PortPool) Reserved() (tcp, udp int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reservedTCP), len(p.reservedUDP)
}
