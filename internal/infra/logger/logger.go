package logger

import (
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDKey is used to store a request identifier on the context.
type RequestIDKey struct{}

// New builds the service logger. Production uses JSON output; every other env gets the
// colored console encoder. An empty level means info.
func New(env, level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if strings.TrimSpace(level) != "" {
		if err := atomic.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	if env != "production" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = atomic
	cfg.InitialFields = map[string]any{"env": env}

	return cfg.Build()
}

// MaskIP keeps the first two IPv4 octets or the first four IPv6 groups.
// Example: 192.168.1.100 -> 192.168.*.*
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "***"
	}
	addr = addr.Unmap()

	if addr.Is4() {
		b := addr.As4()
		return fmt.Sprintf("%d.%d.*.*", b[0], b[1])
	}
	b := addr.As16()
	return fmt.Sprintf("%x:%x:%x:%x:*:*:*:*",
		uint16(b[0])<<8|uint16(b[1]),
		uint16(b[2])<<8|uint16(b[3]),
		uint16(b[4])<<8|uint16(b[5]),
		uint16(b[6])<<8|uint16(b[7]),
	)
}

// MaskIdentifier masks the address part of an "ip:<addr>" rate limit identifier.
// Tenant and user identifiers are returned unchanged.
func MaskIdentifier(identifier string) string {
	if rest, ok := strings.CutPrefix(identifier, "ip:"); ok {
		return "ip:" + MaskIP(rest)
	}
	return identifier
}

// Identifier is a zap field carrying a masked rate limit identifier.
func Identifier(identifier string) zap.Field {
	return zap.String("identifier", MaskIdentifier(identifier))
}
