// internal/license/keygen.go
package license

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"

	"github.com/keygen-sh/keygen-go/v3"
	"go.uber.org/zap"
)

var (
	ErrMissingKey = errors.New("license key is required")
	ErrShortKey   = errors.New("license key is too short")
	ErrExpired    = errors.New("license has expired")
)

// Settings identifies the Keygen product. Empty fields fall back to the
// basic offline check.
type Settings struct {
	AccountID    string
	ProductToken string
	ProductID    string
}

func (s Settings) keygenEnabled() bool {
	return s.AccountID != "" && s.ProductToken != "" && s.ProductID != ""
}

// KeygenValidator handles license validation using Keygen.sh
type KeygenValidator struct {
	logger      *zap.Logger
	fingerprint func() (string, error)
}

// NewKeygenValidator configures the global keygen client for settings.
func NewKeygenValidator(settings Settings, logger *zap.Logger) *KeygenValidator {
	keygen.Account = settings.AccountID
	keygen.Product = settings.ProductID
	keygen.Token = settings.ProductToken

	return &KeygenValidator{
		logger:      logger.Named("license"),
		fingerprint: Fingerprint,
	}
}

// ValidateLicense validates licenseKey for this machine, activating the
// machine on first use.
func (kv *KeygenValidator) ValidateLicense(ctx context.Context, licenseKey string) error {
	if err := checkFormat(licenseKey); err != nil {
		return err
	}
	kv.logger.Info("🔑 Validating license: " + licenseKey[:8] + "...")

	fingerprint, err := kv.fingerprint()
	if err != nil {
		return fmt.Errorf("failed to generate machine fingerprint: %w", err)
	}

	keygen.LicenseKey = licenseKey
	lic, err := keygen.Validate(ctx, fingerprint)
	switch {
	case errors.Is(err, keygen.ErrLicenseNotActivated):
		kv.logger.Info("License not activated, attempting activation")
		machine, activateErr := lic.Activate(ctx, fingerprint)
		if activateErr != nil {
			return fmt.Errorf("failed to activate license: %w", activateErr)
		}
		kv.logger.Info("License activated",
			zap.String("machine_id", machine.ID))
	case errors.Is(err, keygen.ErrLicenseExpired):
		return ErrExpired
	case err != nil:
		return fmt.Errorf("license validation failed: %w", err)
	}

	if lic == nil {
		return fmt.Errorf("license not found")
	}
	kv.logger.Info("✅ License validated with Keygen.sh", zap.String("license_id", lic.ID))
	return nil
}

func checkFormat(licenseKey string) error {
	if licenseKey == "" {
		return ErrMissingKey
	}
	if len(licenseKey) < 8 {
		return ErrShortKey
	}
	return nil
}

// Validate checks licenseKey against Keygen when settings are complete,
// otherwise only its format.
func Validate(ctx context.Context, licenseKey string, settings Settings, logger *zap.Logger) error {
	if settings.keygenEnabled() {
		return NewKeygenValidator(settings, logger).ValidateLicense(ctx, licenseKey)
	}
	if err := checkFormat(licenseKey); err != nil {
		return err
	}
	logger.Info("✅ License validated (basic mode)")
	return nil
}

// Fingerprint hashes hostname, OS and the sorted hardware addresses of the
// active non-loopback interfaces.
func Fingerprint() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0 {
			macs = append(macs, iface.HardwareAddr.String())
		}
	}
	sort.Strings(macs)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	data := fmt.Sprintf("%s-%s-%v", hostname, runtime.GOOS, macs)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(data))), nil
}
