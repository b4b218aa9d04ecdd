// Package tls builds the HTTPS configuration of the API server, optionally
// generating a self-signed certificate on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the [server.tls] section. CertFile/KeyFile take precedence over
// Dir; with Dir and AutoGenerate a self-signed pair is created when missing.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
	Dir          string        `mapstructure:"dir"`
	AutoGenerate bool          `mapstructure:"auto_generate"`
	MinVersion   string        `mapstructure:"min_version"`
	MaxVersion   string        `mapstructure:"max_version"`
	AutoGen      AutoGenConfig `mapstructure:"auto_gen"`
}

type AutoGenConfig struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

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

func resolveTLSVersions(cfg Config) (min uint16, max uint16, err error) {
	min, max = tls.VersionTLS13, tls.VersionTLS13
	if cfg.MinVersion != "" {
		v, ok := parseTLSVersion(cfg.MinVersion)
		if !ok && cfg.MinVersion != "default" {
			return 0, 0, fmt.Errorf("unsupported min_version %q", cfg.MinVersion)
		}
		min = v
	}
	if cfg.MaxVersion != "" {
		v, ok := parseTLSVersion(cfg.MaxVersion)
		if !ok && cfg.MaxVersion != "default" {
			return 0, 0, fmt.Errorf("unsupported max_version %q", cfg.MaxVersion)
		}
		max = v
	}
	if min > max {
		return 0, 0, errors.New("min_version is newer than max_version")
	}
	return min, max, nil
}

// safeReadFile reads p only if it lies within baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificateFunc reloads the pair on every handshake so rotated
// certificates are picked up without a restart.
func getCertificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certDir, keyDir := filepath.Dir(certFile), filepath.Dir(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(certDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(keyDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// Setup returns the server TLS configuration, or nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, maxVer, err := resolveTLSVersions(cfg)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case cfg.Dir != "":
		certPath = filepath.Join(cfg.Dir, tlsCrt)
		keyPath = filepath.Join(cfg.Dir, tlsKey)
		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(cfg.AutoGen, cfg.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}
	if !certificatesExist(certPath, keyPath) {
		return nil, fmt.Errorf("certificate %s or key %s not found", certPath, keyPath)
	}

	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: getCertificateFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
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

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(autoGen AutoGenConfig, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(autoGen.CommonName, "localhost"),
		Organization: getOrDefault(autoGen.Organization, "mcphub"),
		DNSNames:     getOrDefaultSlice(autoGen.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
