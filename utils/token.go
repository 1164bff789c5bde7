package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateFunnelToken creates the opaque per-funnel webhook secret.
// 24 random bytes keep the hex form comfortably inside the 64-char
// column.
func GenerateFunnelToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate funnel token: %w", err)
	}
	return "ft_" + hex.EncodeToString(buf), nil
}
