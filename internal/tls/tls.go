package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/carte/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func resolveTLSVersions(cfg config.ServerConfig) (min uint16, max uint16, err error) {
	min, max = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseTLSVersion(cfg.TLSMinVersion); ok {
		min = v
	} else if v == 0 {
		return 0, 0, fmt.Errorf("unsupported tls_min_version %q", cfg.TLSMinVersion)
	}
	if v, ok := parseTLSVersion(cfg.TLSMaxVersion); ok {
		max = v
	} else if v == 0 {
		return 0, 0, fmt.Errorf("unsupported tls_max_version %q", cfg.TLSMaxVersion)
	}
	if min > max {
		return 0, 0, errors.New("tls_min_version is above tls_max_version")
	}
	return min, max, nil
}

// SetupTLS returns the server TLS config, or nil when TLS is disabled.
// Explicit cert/key files win over a certificate directory; a directory
// with auto_generate gets a self-signed pair on first use.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	if server.TLS == nil || !server.TLS.Enabled {
		return nil, nil
	}
	minVer, maxVer, err := resolveTLSVersions(server)
	if err != nil {
		return nil, err
	}

	var certPath, keyPath string
	switch {
	case server.TLS.CertFile != "" && server.TLS.KeyFile != "":
		certPath, keyPath = server.TLS.CertFile, server.TLS.KeyFile
	case server.TLS.Dir != "":
		certPath = filepath.Join(server.TLS.Dir, tlsCrt)
		keyPath = filepath.Join(server.TLS.Dir, tlsKey)
		if server.TLS.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(server.TLS, server.TLS.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but no valid certificate configuration found")
	}

	r := &certReloader{certPath: certPath, keyPath: keyPath}
	// fail at startup rather than on the first handshake
	if _, err := r.get(nil); err != nil {
		return nil, err
	}
	// #nosec G402 TLS backward compatibility considered
	return &tls.Config{
		GetCertificate: r.get,
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// certReloader serves the key pair and reloads it when the certificate file
// changes on disk, so rotated certificates apply without a restart.
type certReloader struct {
	certPath, keyPath string

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

func (r *certReloader) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	st, err := os.Stat(r.certPath)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cert != nil && st.ModTime().Equal(r.modTime) {
		return r.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(r.certPath), filepath.Clean(r.keyPath))
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	r.cert, r.modTime = &cert, st.ModTime()
	return r.cert, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

func generateCertificate(tlsConfig *config.TLSConfig, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	autoGen := tlsConfig.AutoGen
	if autoGen == nil {
		autoGen = &config.AutoGenTLS{}
	}
	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(autoGen.CommonName, "localhost"),
		Organization: getOrDefault(autoGen.Organization, "carte"),
		DNSNames:     getOrDefaultSlice(autoGen.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
