package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TLSOptions describes the trust outbound delivery places in remote servers.
type TLSOptions struct {
	// CAFile adds a PEM bundle to the system roots, e.g. for a private test federation.
	CAFile string
	// CADir adds every *.crt and *.pem file in the directory.
	CADir string
	// MinVersion is "1.2" or "1.3"; anything else means 1.2.
	MinVersion string
}

// BuildClientTLSConfig returns the TLS configuration for delivery clients.
// It returns nil when no option is set so the transport keeps Go's defaults.
func BuildClientTLSConfig(opts TLSOptions) (*tls.Config, error) {
	if opts.CAFile == "" && opts.CADir == "" && opts.MinVersion == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tlsVersion(opts.MinVersion)}
	if opts.CAFile == "" && opts.CADir == "" {
		return tlsConfig, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if opts.CAFile != "" {
		if err := appendCAFile(pool, opts.CAFile); err != nil {
			return nil, err
		}
	}
	if opts.CADir != "" {
		if err := appendCADir(pool, opts.CADir); err != nil {
			return nil, err
		}
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

func appendCAFile(pool *x509.CertPool, path string) error {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return nil
}

func appendCADir(pool *x509.CertPool, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read CA directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".crt") || strings.HasSuffix(name, ".pem")) {
			continue
		}
		if err := appendCAFile(pool, filepath.Join(dir, name)); err != nil {
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no CA certificates found in %s", dir)
	}
	return nil
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
