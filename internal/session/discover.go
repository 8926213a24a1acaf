package session

import (
	"context"
	"fmt"
	"time"

	"github.com/brutella/dnssd"
)

// mqttServiceType is the DNS-SD service type a broker would advertise
// itself under if brokerless discovery is in use (spec.md's "the
// transport need not be MQTT per se" leaves the discovery mechanism
// unspecified; this follows the conventional mDNS service naming
// brutella/dnssd expects).
const mqttServiceType = "_mqtt._tcp.local."

// discoverBrokerURL browses the local network for an mqttServiceType
// advertisement and returns a "tcp://ip:port" URL built from the first
// address of the first instance seen within timeout.
func discoverBrokerURL(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan string, 1)

	added := func(e dnssd.BrowseEntry) {
		for _, ip := range e.IPs {
			select {
			case found <- fmt.Sprintf("tcp://%s:%d", ip.String(), e.Port):
			default:
			}
			return
		}
	}
	removed := func(dnssd.BrowseEntry) {}

	errCh := make(chan error, 1)
	go func() {
		errCh <- dnssd.LookupType(ctx, mqttServiceType, added, removed)
	}()

	select {
	case url := <-found:
		cancel()
		return url, nil
	case <-ctx.Done():
		return "", fmt.Errorf("session: mdns discovery timed out after %s", timeout)
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("session: mdns discovery failed: %w", err)
		}
		return "", fmt.Errorf("session: mdns discovery ended with no broker found")
	}
}
