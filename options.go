package onionchat

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/opd-ai/onionchat/file"
	"github.com/opd-ai/onionchat/transport"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrNoHostname indicates options without a local onion hostname.
var ErrNoHostname = errors.New("options: hostname is required")

// Options contains the configuration of a Client.
type Options struct {
	// Hostname is the onion hostname of the local service.
	Hostname string `yaml:"hostname"`
	// Nickname is sent with outgoing contact requests.
	Nickname string `yaml:"nickname"`
	// ListenAddress is the local endpoint the onion service forwards to.
	ListenAddress string `yaml:"listen_address"`
	// ServicePort is the virtual port of peers' onion services.
	ServicePort int `yaml:"service_port"`
	// Tor routes outbound connections through a SOCKS5 proxy. Without it
	// peers are dialed directly, which is only suitable for testing.
	Tor *TorOptions `yaml:"tor"`
	// PeerAddresses maps hostnames to fixed host:port addresses, bypassing
	// onion addressing.
	PeerAddresses map[string]string `yaml:"peer_addresses"`
	// DownloadDir receives accepted files.
	DownloadDir string `yaml:"download_dir"`
	// BlockedHosts are rejected when they send contact requests.
	BlockedHosts []string `yaml:"blocked_hosts"`
	// Contacts are added on startup.
	Contacts []ContactOptions `yaml:"contacts"`

	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	StallTimeout      time.Duration `yaml:"stall_timeout"`
}

// TorOptions contains Tor SOCKS proxy configuration.
type TorOptions struct {
	SocksAddress string `yaml:"socks_address"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// ContactOptions names a contact to load on startup.
type ContactOptions struct {
	Hostname string `yaml:"hostname"`
	Nickname string `yaml:"nickname"`
}

// NewOptions returns options with default values.
func NewOptions() *Options {
	return &Options{
		ListenAddress:     "127.0.0.1:" + strconv.Itoa(transport.DefaultPort),
		ServicePort:       transport.DefaultPort,
		DownloadDir:       ".",
		KeepAliveInterval: 60 * time.Second,
		HandshakeTimeout:  30 * time.Second,
		DialTimeout:       2 * time.Minute,
		StallTimeout:      file.DefaultStallTimeout,
	}
}

// LoadOptions reads a YAML options file. Fields missing from the file keep
// their NewOptions defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}

	opts := NewOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "LoadOptions",
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to parse options")
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOptions",
		"path":     path,
		"hostname": opts.Hostname,
		"tor":      opts.Tor != nil,
	}).Info("Loaded options")
	return opts, opts.Validate()
}

// Validate checks the options for values a Client cannot run with.
func (o *Options) Validate() error {
	if transport.NormalizeHostname(o.Hostname) == "" {
		return ErrNoHostname
	}
	if o.ServicePort <= 0 || o.ServicePort > 65535 {
		return fmt.Errorf("options: invalid service port %d", o.ServicePort)
	}
	if o.KeepAliveInterval <= 0 {
		return fmt.Errorf("options: keepalive interval must be positive")
	}
	if o.HandshakeTimeout <= 0 {
		return fmt.Errorf("options: handshake timeout must be positive")
	}
	if o.Tor != nil && o.Tor.SocksAddress != "" {
		if _, err := o.Tor.proxyConfig(); err != nil {
			return err
		}
	}
	return nil
}

func (t *TorOptions) proxyConfig() (*transport.ProxyConfig, error) {
	host, portStr, err := net.SplitHostPort(t.SocksAddress)
	if err != nil {
		return nil, fmt.Errorf("options: tor socks address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("options: tor socks port %q is invalid", portStr)
	}
	return &transport.ProxyConfig{
		Host:     host,
		Port:     uint16(port),
		Username: t.Username,
		Password: t.Password,
	}, nil
}

// dialer returns the outbound dialer the options describe.
func (o *Options) dialer() (transport.Dialer, error) {
	if o.Tor == nil || o.Tor.SocksAddress == "" {
		return &transport.DirectDialer{Timeout: o.DialTimeout}, nil
	}
	config, err := o.Tor.proxyConfig()
	if err != nil {
		return nil, err
	}
	tor, err := transport.NewTorDialer(config)
	if err != nil {
		return nil, err
	}
	return tor, nil
}

// peerAddress returns where hostname is dialed.
func (o *Options) peerAddress(hostname string) string {
	key := transport.NormalizeHostname(hostname)
	for h, addr := range o.PeerAddresses {
		if transport.NormalizeHostname(h) == key {
			return addr
		}
	}
	return transport.OnionAddress(key, o.ServicePort)
}
