package storage

import (
	"fmt"
	"path"
	"regexp"
)

const ParquetContentType = "application/vnd.apache.parquet"

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// BuildResultKey returns the object key for a cached result. Keys fan out on
// the first fingerprint byte to keep directories small.
func BuildResultKey(fingerprint string) (string, error) {
	if !fingerprintPattern.MatchString(fingerprint) {
		return "", fmt.Errorf("invalid fingerprint: %q", fingerprint)
	}
	return path.Join("results", fingerprint[:2], fingerprint+".parquet"), nil
}
