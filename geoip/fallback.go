package geoip

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatewatch/gatewatch/types"
)

// fallbackResolver tries the local database first and falls through to
// the online API when the database is unavailable or the lookup fails.
// Callers see a single resolver; an IP enters cooldown only when both
// paths failed.
type fallbackResolver struct {
	local  *mmdbResolver
	online *onlineResolver
	logger *slog.Logger
}

// Spacing follows the path the next lookup will actually take: local
// spacing while the database is open, online spacing while it is not.
func (f *fallbackResolver) Spacing() time.Duration {
	if f.local.ready() {
		return f.local.Spacing()
	}
	return f.online.Spacing()
}

func (f *fallbackResolver) Resolve(ctx context.Context, ip string) (*types.GeoLocation, error) {
	loc, err := f.local.Resolve(ctx, ip)
	if err == nil {
		return loc, nil
	}
	f.logger.Debug("local geo lookup failed, falling back to online", "ip", ip, "error", err)
	return f.online.Resolve(ctx, ip)
}

func (f *fallbackResolver) Close() error {
	localErr := f.local.Close()
	onlineErr := f.online.Close()
	if localErr != nil {
		return localErr
	}
	return onlineErr
}
