package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IDType is the prefix of a generated id.
type IDType string

// IDTypeFailover prefixes failover session ids.
const IDTypeFailover IDType = "fos"

const (
	idMillisDigits = 13
	idRandomBytes  = 4
)

// GenerateID returns "<type>_<unix millis>_<8 hex>". Ids of one type sort by creation
// time at millisecond resolution.
func GenerateID(idType IDType) (string, error) {
	if idType != IDTypeFailover {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	var b [idRandomBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate id entropy: %w", err)
	}
	return fmt.Sprintf("%s_%0*d_%s", idType, idMillisDigits, time.Now().UnixMilli(), hex.EncodeToString(b[:])), nil
}

// ParseID splits id into its type and creation time.
func ParseID(id string) (IDType, time.Time, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		return "", time.Time{}, fmt.Errorf("invalid ID format: %q", id)
	}
	idType := IDType(parts[0])
	if idType != IDTypeFailover {
		return "", time.Time{}, fmt.Errorf("invalid ID type in %q", id)
	}
	if len(parts[1]) != idMillisDigits {
		return "", time.Time{}, fmt.Errorf("invalid ID timestamp in %q", id)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid ID timestamp in %q: %w", id, err)
	}
	if len(parts[2]) != 2*idRandomBytes || strings.ToLower(parts[2]) != parts[2] {
		return "", time.Time{}, fmt.Errorf("invalid ID suffix in %q", id)
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return "", time.Time{}, fmt.Errorf("invalid ID suffix in %q", id)
	}
	return idType, time.UnixMilli(ms), nil
}

func ValidateID(id string) bool {
	_, _, err := ParseID(id)
	return err == nil
}
