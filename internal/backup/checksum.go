package backup

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/FairForge/warden/internal/crypto"
)

// ChecksumSuffix names the sidecar file written next to every artifact.
const ChecksumSuffix = ".sha256"

// RiskLevel grades how dangerous it would be to restore from an artifact.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsIntegrityFailure reports whether the risk level means the artifact is
// damaged and must be quarantined.
func (r RiskLevel) IsIntegrityFailure() bool {
	return r == RiskHigh || r == RiskCritical
}

// ValidationResult is the verdict of a Validator.
type ValidationResult struct {
	IsValid    bool      `json:"is_valid"`
	Confidence float64   `json:"confidence"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Details    string    `json:"details,omitempty"`
}

// Validator judges whether an artifact on disk is safe to restore.
type Validator interface {
	Validate(ctx context.Context, path string) (*ValidationResult, error)
}

// FileChecksum returns the hex sha256 and size of a file.
func FileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// WriteChecksumFile writes a sha256sum compatible sidecar for path.
func WriteChecksumFile(path, sum string) (string, error) {
	sidecar := path + ChecksumSuffix
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := os.WriteFile(sidecar, []byte(line), 0600); err != nil {
		return "", fmt.Errorf("write checksum file: %w", err)
	}
	return sidecar, nil
}

// ReadChecksumFile returns the digest recorded in path's sidecar.
func ReadChecksumFile(path string) (string, error) {
	f, err := os.Open(path + ChecksumSuffix)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", fmt.Errorf("empty checksum file for %s", path)
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return "", fmt.Errorf("malformed checksum file for %s", path)
	}
	return fields[0], nil
}

// ChecksumValidator compares an artifact against its sidecar and, for
// encrypted artifacts, authenticates every sealed record.
type ChecksumValidator struct {
	encryption crypto.Provider
}

// NewChecksumValidator creates a validator. encryption may be nil.
func NewChecksumValidator(encryption crypto.Provider) *ChecksumValidator {
	return &ChecksumValidator{encryption: encryption}
}

func (v *ChecksumValidator) Validate(ctx context.Context, path string) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	actual, _, err := FileChecksum(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ValidationResult{RiskLevel: RiskCritical, Confidence: 1, Details: "artifact missing"}, nil
		}
		return nil, err
	}

	expected, err := ReadChecksumFile(path)
	if err != nil {
		return &ValidationResult{
			RiskLevel:  RiskMedium,
			Confidence: 0.5,
			Details:    fmt.Sprintf("no usable checksum sidecar: %v", err),
		}, nil
	}
	if expected != actual {
		return &ValidationResult{
			RiskLevel:  RiskCritical,
			Confidence: 1,
			Details:    fmt.Sprintf("checksum mismatch: expected %s, got %s", expected, actual),
		}, nil
	}

	if v.encryption != nil && strings.HasSuffix(path, crypto.EncryptedSuffix) {
		ir, err := v.encryption.VerifyIntegrity(path)
		if err != nil {
			return nil, err
		}
		if !ir.IsValid {
			return &ValidationResult{RiskLevel: RiskCritical, Confidence: 1, Details: ir.Details}, nil
		}
	}

	return &ValidationResult{IsValid: true, Confidence: 1, RiskLevel: RiskLow, Details: "checksum verified"}, nil
}
