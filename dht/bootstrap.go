package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Resolver looks up the addresses of a bootstrap host. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// BootstrapError represents specific bootstrap failure types
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// bootstrapper resolves the configured router hosts.
type bootstrapper struct {
	resolver        Resolver
	parallelism     int
	retries         uint64
	initialInterval time.Duration
	log             *logrus.Entry
}

func newBootstrapper(resolver Resolver, cfg Config, log *logrus.Entry) *bootstrapper {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &bootstrapper{
		resolver:        resolver,
		parallelism:     cfg.BootstrapParallelism,
		retries:         cfg.BootstrapRetries,
		initialInterval: 500 * time.Millisecond,
		log:             log,
	}
}

// resolveAll resolves every "host:port" entry independently. Hosts that
// cannot be resolved are logged and skipped. Duplicate addresses are
// returned once.
func (b *bootstrapper) resolveAll(ctx context.Context, hosts []string) []netip.AddrPort {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		out  []netip.AddrPort
		errs error
		seen = make(map[netip.AddrPort]struct{})
	)
	g.SetLimit(b.parallelism)

	for _, host := range hosts {
		g.Go(func() error {
			addrs, err := b.resolve(ctx, host)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return nil
			}
			for _, a := range addrs {
				if _, dup := seen[a]; dup {
					continue
				}
				seen[a] = struct{}{}
				out = append(out, a)
			}
			return nil
		})
	}
	_ = g.Wait()

	log := b.log.WithFields(logrus.Fields{
		"function": "resolveAll",
		"hosts":    len(hosts),
		"resolved": len(out),
	})
	if errs != nil {
		log.WithField("error", errs.Error()).Warn("Some bootstrap hosts could not be resolved")
	} else {
		log.Debug("Bootstrap hosts resolved")
	}
	return out
}

// resolve resolves a single "host:port" entry, retrying transient lookup
// failures with exponential backoff.
func (b *bootstrapper) resolve(ctx context.Context, hostport string) ([]netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, &BootstrapError{Type: "parse", Node: hostport, Cause: err}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, &BootstrapError{Type: "parse", Node: hostport, Cause: fmt.Errorf("invalid port %q", portStr)}
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), uint16(port))}, nil
	}

	var ips []netip.Addr
	operation := func() error {
		var lookupErr error
		ips, lookupErr = b.resolver.LookupNetIP(ctx, "ip", host)
		var dnsErr *net.DNSError
		if errors.As(lookupErr, &dnsErr) && dnsErr.IsNotFound {
			return backoff.Permanent(lookupErr)
		}
		return lookupErr
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, b.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, &BootstrapError{Type: "resolve", Node: hostport, Cause: err}
	}

	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	return out, nil
}
