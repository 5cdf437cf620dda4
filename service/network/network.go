package network

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"github.com/jirutka/knot-resolver/service/mgr"
)

// DefaultPort is the standard DNS port.
const DefaultPort = 53

// Flags select the transports of an endpoint.
type Flags uint8

// Transports.
const (
	UDP Flags = 1 << iota
	TCP

	Both = UDP | TCP
)

var (
	// ErrNotListening is returned when closing an unknown endpoint.
	ErrNotListening = errors.New("not listening")

	// ErrNoTransport is returned when listening without any transport.
	ErrNoTransport = errors.New("no transport selected")
)

// Endpoint describes an address the resolver listens on.
type Endpoint struct {
	Addr string `json:"addr"`
	Port uint16 `json:"port"`
	UDP  bool   `json:"udp"`
	TCP  bool   `json:"tcp"`
}

type endpoint struct {
	Endpoint

	servers []*dns.Server
}

// Network owns the listening sockets of the resolver.
type Network struct {
	mgr     *mgr.Manager
	handler dns.Handler

	lock      sync.Mutex
	endpoints map[string]*endpoint
}

// New returns a network layer serving queries with handler. A nil handler
// refuses every query.
func New(m *mgr.Manager, handler dns.Handler) *Network {
	if handler == nil {
		handler = dns.HandlerFunc(refuse)
	}
	return &Network{
		mgr:       m,
		handler:   handler,
		endpoints: make(map[string]*endpoint),
	}
}

func refuse(w dns.ResponseWriter, query *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetRcode(query, dns.RcodeRefused)
	_ = w.WriteMsg(reply)
}

// Listen binds the endpoint addr#port with the selected transports. Port 0
// binds a random port. Listening again on a bound endpoint is a no-op.
func (n *Network) Listen(addr string, port uint16, flags Flags) error {
	if flags&Both == 0 {
		return ErrNoTransport
	}
	if net.ParseIP(addr) == nil {
		return fmt.Errorf("invalid address %q", addr)
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	if port != 0 {
		if _, ok := n.endpoints[endpointKey(addr, port)]; ok {
			return nil
		}
	}

	ep := &endpoint{
		Endpoint: Endpoint{Addr: addr, Port: port},
	}
	lc := net.ListenConfig{Control: reusePort}

	if flags&UDP != 0 {
		pc, err := lc.ListenPacket(n.mgr.Ctx(), "udp", endpointKey(addr, ep.Port))
		if err != nil {
			return fmt.Errorf("listen udp %s: %w", endpointKey(addr, ep.Port), err)
		}
		ep.Port = uint16(pc.LocalAddr().(*net.UDPAddr).Port)
		if err := n.serve(ep, &dns.Server{PacketConn: pc, Net: "udp", Handler: n.handler}); err != nil {
			_ = pc.Close()
			return err
		}
		ep.UDP = true
	}

	if flags&TCP != 0 {
		l, err := lc.Listen(n.mgr.Ctx(), "tcp", endpointKey(addr, ep.Port))
		if err != nil {
			_ = shutdown(ep)
			return fmt.Errorf("listen tcp %s: %w", endpointKey(addr, ep.Port), err)
		}
		ep.Port = uint16(l.Addr().(*net.TCPAddr).Port)
		if err := n.serve(ep, &dns.Server{Listener: l, Net: "tcp", Handler: n.handler}); err != nil {
			_ = l.Close()
			_ = shutdown(ep)
			return err
		}
		ep.TCP = true
	}

	n.endpoints[endpointKey(addr, ep.Port)] = ep
	n.mgr.Info("listening", "addr", addr, "port", ep.Port, "udp", ep.UDP, "tcp", ep.TCP)
	return nil
}

// serve starts srv in a worker and waits until it accepts queries.
func (n *Network) serve(ep *endpoint, srv *dns.Server) error {
	started := make(chan struct{})
	failed := make(chan error, 1)
	srv.NotifyStartedFunc = func() {
		close(started)
	}

	n.mgr.Go("dns "+srv.Net+" listener", func(w *mgr.WorkerCtx) error {
		if err := srv.ActivateAndServe(); err != nil {
			select {
			case failed <- err:
			default:
			}
			w.Warn("listener stopped", "addr", ep.Addr, "port", ep.Port, "err", err)
		}
		// Listeners are not restarted, the socket is gone.
		return nil
	})

	select {
	case <-started:
		ep.servers = append(ep.servers, srv)
		return nil
	case err := <-failed:
		return err
	}
}

// ListenAll listens on addr#port for every address. Failures are collected
// and the remaining addresses are still tried. It returns the number of
// endpoints that could be bound.
func (n *Network) ListenAll(addrs []string, port uint16, flags Flags) (int, error) {
	var (
		ok   int
		errs *multierror.Error
	)
	for _, addr := range addrs {
		if err := n.Listen(addr, port, flags); err != nil {
			n.mgr.Error("failed to listen", "addr", addr, "port", port, "err", err)
			errs = multierror.Append(errs, err)
			continue
		}
		ok++
	}
	return ok, errs.ErrorOrNil()
}

// Close stops listening on addr#port.
func (n *Network) Close(addr string, port uint16) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	key := endpointKey(addr, port)
	ep, ok := n.endpoints[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotListening)
	}
	delete(n.endpoints, key)
	return shutdown(ep)
}

// List returns all endpoints, sorted by address and port.
func (n *Network) List() []Endpoint {
	n.lock.Lock()
	defer n.lock.Unlock()

	list := make([]Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		list = append(list, ep.Endpoint)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Addr != list[j].Addr {
			return list[i].Addr < list[j].Addr
		}
		return list[i].Port < list[j].Port
	})
	return list
}

// Len returns the number of endpoints.
func (n *Network) Len() int {
	n.lock.Lock()
	defer n.lock.Unlock()

	return len(n.endpoints)
}

// Deinit closes all endpoints.
func (n *Network) Deinit() error {
	n.lock.Lock()
	defer n.lock.Unlock()

	var errs *multierror.Error
	for key, ep := range n.endpoints {
		if err := shutdown(ep); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	n.endpoints = make(map[string]*endpoint)
	return errs.ErrorOrNil()
}

func shutdown(ep *endpoint) error {
	var errs *multierror.Error
	for _, srv := range ep.servers {
		if err := srv.Shutdown(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	ep.servers = nil
	return errs.ErrorOrNil()
}

// ParseEndpoint splits an endpoint given as "addr" or "addr#port". The port
// defaults to DefaultPort.
func ParseEndpoint(s string) (addr string, port uint16, err error) {
	addr, portText, found := strings.Cut(s, "#")
	if net.ParseIP(addr) == nil {
		return "", 0, fmt.Errorf("invalid address %q", addr)
	}
	if !found {
		return addr, DefaultPort, nil
	}
	p, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portText)
	}
	return addr, uint16(p), nil
}

func endpointKey(addr string, port uint16) string {
	return net.JoinHostPort(addr, strconv.Itoa(int(port)))
}

// reusePort lets every worker process bind the same endpoints, the kernel
// balances queries between them.
func reusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
