// Package connectivity builds DNS resolvers over outline-sdk transports and
// checks that they answer.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"
	"golang.org/x/net/dns/dnsmessage"
)

// ResolverFactory returns a resolver that queries the DNS server at ip.
type ResolverFactory func(ip string) dns.Resolver

// NewResolverFactory creates UDP resolvers over the packet dialer described
// by transportConfig. An empty config dials directly.
func NewResolverFactory(transportConfig string) (ResolverFactory, error) {
	packetDialer, err := configurl.NewDefaultConfigToDialer().NewPacketDialer(transportConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create packet dialer: %w", err)
	}
	return func(ip string) dns.Resolver {
		return dns.NewUDPResolver(packetDialer, net.JoinHostPort(ip, "53"))
	}, nil
}

// LookupA resolves host to its IPv4 addresses. A non-success rcode or an
// answer without A records is an error.
func LookupA(ctx context.Context, resolver dns.Resolver, host string) ([]string, error) {
	fqdn := host
	if !strings.HasSuffix(fqdn, ".") {
		fqdn += "."
	}
	name, err := dnsmessage.NewName(fqdn)
	if err != nil {
		return nil, fmt.Errorf("invalid hostname %q: %w", host, err)
	}

	msg, err := resolver.Query(ctx, dnsmessage.Question{Name: name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET})
	if err != nil {
		return nil, findBaseError(err)
	}
	if msg.RCode != dnsmessage.RCodeSuccess {
		return nil, fmt.Errorf("got rcode %v", msg.RCode)
	}

	var addrs []string
	for _, answer := range msg.Answers {
		if a, ok := answer.Body.(*dnsmessage.AResource); ok {
			addrs = append(addrs, netip.AddrFrom4(a.A).String())
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("no A records")
	}
	return addrs, nil
}

// HealthReport is the outcome of probing one resolver of a pool.
type HealthReport struct {
	Pool       string     `json:"pool"`
	Resolver   string     `json:"resolver"`
	Healthy    bool       `json:"healthy"`
	Time       time.Time  `json:"time"`
	DurationMs int64      `json:"duration_ms"`
	Error      *errorJSON `json:"error,omitempty"`
}

type errorJSON struct {
	Op string `json:"op,omitempty"`
	// Posix error, when available
	PosixError string `json:"posix_error,omitempty"`
	Msg        string `json:"msg,omitempty"`
	MsgVerbose string `json:"msg_verbose,omitempty"`
}

// Summary is a one-line description of the failure.
func (e *errorJSON) Summary() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Msg
	}
	return e.Op + ": " + e.Msg
}

func makeErrorRecord(result *connectivity.ConnectivityError) *errorJSON {
	if result == nil {
		return nil
	}
	var record = new(errorJSON)
	record.Op = result.Op
	record.PosixError = result.PosixError
	record.Msg = findBaseError(result.Err).Error()
	record.MsgVerbose = result.Err.Error()

	return record
}

// findBaseError unwraps an error chain to find the most basic underlying error
func findBaseError(err error) error {
	for err != nil {
		// Joined errors: the last one is usually the most specific.
		if unwrapInterface, ok := err.(interface{ Unwrap() []error }); ok {
			errs := unwrapInterface.Unwrap()
			if len(errs) > 0 {
				err = errs[len(errs)-1]
				continue
			}
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

// CheckHealth probes every resolver of every pool concurrently by resolving
// domain through it. Reports are sorted by pool, then resolver.
func CheckHealth(ctx context.Context, factory ResolverFactory, pools map[string][]string, domain string) []HealthReport {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		reports []HealthReport
	)

	for pool, ips := range pools {
		for _, ip := range ips {
			wg.Add(1)
			go func(pool, ip string) {
				defer wg.Done()
				report := checkResolver(ctx, factory(ip), domain)
				report.Pool = pool
				report.Resolver = ip
				mu.Lock()
				reports = append(reports, report)
				mu.Unlock()
			}(pool, ip)
		}
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Pool != reports[j].Pool {
			return reports[i].Pool < reports[j].Pool
		}
		return reports[i].Resolver < reports[j].Resolver
	})
	return reports
}

func checkResolver(ctx context.Context, resolver dns.Resolver, domain string) HealthReport {
	startTime := time.Now()
	result, err := connectivity.TestConnectivityWithResolver(ctx, resolver, domain)

	report := HealthReport{
		Time:       startTime.UTC().Truncate(time.Second),
		DurationMs: time.Since(startTime).Milliseconds(),
	}
	switch {
	case err != nil:
		report.Error = &errorJSON{Op: "test", Msg: findBaseError(err).Error(), MsgVerbose: err.Error()}
	case result != nil:
		report.Error = makeErrorRecord(result)
	default:
		report.Healthy = true
	}
	return report
}
