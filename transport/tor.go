package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Dialer opens outbound stream connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ProxyConfig contains the location and credentials of the Tor SOCKS port.
type ProxyConfig struct {
	Host     string
	Port     uint16
	Username string
	Password string
}

// TorDialer dials onion services through a Tor SOCKS5 proxy.
type TorDialer struct {
	socks     proxy.ContextDialer
	proxyAddr string
}

// NewTorDialer creates a dialer that routes every connection through the
// SOCKS5 proxy described by config.
func NewTorDialer(config *ProxyConfig) (*TorDialer, error) {
	if config == nil {
		return nil, fmt.Errorf("proxy config cannot be nil")
	}

	proxyAddr := net.JoinHostPort(config.Host, strconv.Itoa(int(config.Port)))

	logrus.WithFields(logrus.Fields{
		"function":   "NewTorDialer",
		"proxy_addr": proxyAddr,
	}).Info("Creating Tor SOCKS5 dialer")

	// Tor uses distinct credentials to isolate circuits, so they are
	// passed through even when only one of them is set.
	var auth *proxy.Auth
	if config.Username != "" || config.Password != "" {
		auth = &proxy.Auth{
			User:     config.Username,
			Password: config.Password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "NewTorDialer",
			"proxy_addr": proxyAddr,
			"error":      err.Error(),
		}).Error("Failed to create SOCKS5 dialer")
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}

	return &TorDialer{socks: contextDialer, proxyAddr: proxyAddr}, nil
}

// DialContext connects to address, which must name an onion service.
// The hostname is resolved by Tor, never locally.
func (d *TorDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if err := ValidateOnionHostname(host); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "TorDialer.DialContext",
		"address":    address,
		"proxy_addr": d.proxyAddr,
	}).Debug("Dialing onion service through Tor")

	conn, err := d.socks.DialContext(ctx, network, address)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "TorDialer.DialContext",
			"address":  address,
			"error":    err.Error(),
		}).Warn("Failed to dial onion service")
		return nil, fmt.Errorf("dial %s via tor: %w", address, err)
	}
	return conn, nil
}

// DirectDialer dials plain TCP. It is meant for tests and trusted local
// networks; it provides no anonymity.
type DirectDialer struct {
	Timeout time.Duration
}

// DialContext implements Dialer.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, network, address)
}
