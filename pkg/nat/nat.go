// Package nat discovers this host's public address via STUN and infers
// the NAT type in front of it.
package nat

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// Type classifies the NAT in front of this host, inferred by comparing
// the mapped address reported by multiple STUN servers.
type Type string

const (
	TypeUnknown   Type = "unknown"
	TypeSymmetric Type = "symmetric"
	// TypeCone covers full-cone and restricted variants; they are
	// indistinguishable from mapped addresses alone.
	TypeCone Type = "cone_or_restricted"
)

// Mapping is the public address a STUN server observed for this host.
type Mapping struct {
	IP   string
	Port string
	NAT  Type
}

// Probe asks each STUN server for this host's mapped address and
// classifies the NAT from the answers. The first successful mapping
// wins; per-server failures are tolerated as long as one answers.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error) {
	if len(servers) == 0 {
		return Mapping{NAT: TypeUnknown}, fmt.Errorf("no STUN servers configured")
	}

	addrs := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, addr)
	}

	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return Mapping{NAT: TypeUnknown}, lastErr
	}

	ip, port, err := net.SplitHostPort(addrs[0])
	if err != nil {
		return Mapping{NAT: TypeUnknown}, fmt.Errorf("malformed mapped address %q: %w", addrs[0], err)
	}
	return Mapping{IP: ip, Port: port, NAT: Classify(addrs)}, nil
}

// Classify infers the NAT type from mapped addresses reported by
// different servers: differing answers mean a symmetric NAT, identical
// answers a cone (or restricted) one. A single answer proves nothing.
func Classify(addrs []string) Type {
	if len(addrs) < 2 {
		return TypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return TypeSymmetric
		}
	}
	return TypeCone
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
