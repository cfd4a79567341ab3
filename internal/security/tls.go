package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/acme/autocert"
)

// TLSPaths holds the paths to the CA and server certificate files.
type TLSPaths struct {
	CACertPath string
	CertPath   string
	KeyPath    string
}

// TLSMode describes how the server should handle TLS.
type TLSMode int

const (
	// TLSModeOff disables TLS entirely (development only).
	TLSModeOff TLSMode = iota
	// TLSModeSelfSigned uses an auto-generated CA and server certificate.
	TLSModeSelfSigned
	// TLSModeACME uses Let's Encrypt automatic certificate management.
	TLSModeACME
	// TLSModeCustom uses user-provided certificate and key files.
	TLSModeCustom
)

var modeNames = map[TLSMode]string{
	TLSModeOff:        "off",
	TLSModeSelfSigned: "self-signed",
	TLSModeACME:       "acme",
	TLSModeCustom:     "custom",
}

func (m TLSMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("TLSMode(%d)", int(m))
}

// ParseTLSMode maps a flag value to a TLSMode.
func ParseTLSMode(s string) (TLSMode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return TLSModeOff, fmt.Errorf("unknown TLS mode %q (want off, self-signed, acme or custom)", s)
}

// TLSOptions selects and parameterizes a TLS mode.
type TLSOptions struct {
	Mode     TLSMode
	DataDir  string
	CertFile string
	KeyFile  string
	Domains  []string
}

// TLSResult holds the outcome of TLS setup, including the config and
// any ACME manager that needs to be wired into the HTTP server.
type TLSResult struct {
	Config      *tls.Config
	Paths       *TLSPaths         // self-signed mode only
	ACMEManager *autocert.Manager // non-nil only for ACME mode
	Mode        TLSMode
}

// SetupTLS prepares the TLS configuration for opts.Mode. In TLSModeOff
// the result has a nil Config.
func SetupTLS(opts TLSOptions) (*TLSResult, error) {
	res := &TLSResult{Mode: opts.Mode}
	switch opts.Mode {
	case TLSModeOff:
		return res, nil

	case TLSModeSelfSigned:
		cfg, paths, err := LoadOrGenerateTLS(opts.DataDir)
		if err != nil {
			return nil, err
		}
		res.Config, res.Paths = cfg, paths
		return res, nil

	case TLSModeACME:
		if len(opts.Domains) == 0 {
			return nil, errors.New("acme mode requires at least one domain")
		}
		res.ACMEManager, res.Config = NewACMEManager(opts.DataDir, opts.Domains...)
		return res, nil

	case TLSModeCustom:
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, errors.New("custom mode requires a certificate and a key file")
		}
		cfg, err := LoadCustomTLS(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}
		res.Config = cfg
		return res, nil
	}
	return nil, fmt.Errorf("unsupported TLS mode %v", opts.Mode)
}

// LoadOrGenerateTLS loads existing self-signed TLS certificates from dataDir
// or generates new ones. Returns a *tls.Config configured for TLS 1.3.
func LoadOrGenerateTLS(dataDir string) (*tls.Config, *TLSPaths, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	paths := &TLSPaths{
		CACertPath: filepath.Join(dataDir, "ca.crt"),
		CertPath:   filepath.Join(dataDir, "server.crt"),
		KeyPath:    filepath.Join(dataDir, "server.key"),
	}

	// Generate if any file is missing.
	if !fileExists(paths.CACertPath) || !fileExists(paths.CertPath) || !fileExists(paths.KeyPath) {
		if err := generateCerts(paths); err != nil {
			return nil, nil, fmt.Errorf("generate TLS certs: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(paths.CertPath, paths.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load TLS keypair: %w", err)
	}

	caCertPEM, err := os.ReadFile(paths.CACertPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(caCertPEM)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}, paths, nil
}

// LoadCustomTLS loads user-provided certificate and key files.
func LoadCustomTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load custom TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// NewACMEManager creates a Let's Encrypt autocert manager for the given domains.
// Certificates are cached in dataDir/acme-certs. The manager's HTTPHandler
// must be served on port 80 for HTTP-01 challenges.
func NewACMEManager(dataDir string, domains ...string) (*autocert.Manager, *tls.Config) {
	cacheDir := filepath.Join(dataDir, "acme-certs")
	_ = os.MkdirAll(cacheDir, 0o700)

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	tlsCfg := manager.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS13

	return manager, tlsCfg
}

// ReadCACert returns the PEM-encoded CA certificate, which clients of a
// self-signed server need to trust.
func ReadCACert(paths *TLSPaths) ([]byte, error) {
	return os.ReadFile(paths.CACertPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
