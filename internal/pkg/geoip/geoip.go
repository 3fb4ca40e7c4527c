// Package geoip resolves client IP addresses to countries using a local
// MaxMind database. The feature is optional: without a configured and
// readable database every lookup returns empty values.
package geoip

import (
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"github.com/pariz/gountries"
)

// Resolver wraps the GeoLite2 reader plus a country-name lookup. A nil
// inner reader means GeoIP is disabled; all methods stay safe to call.
type Resolver struct {
	db        *geoip2.Reader
	countries *gountries.Query
	logger    *slog.Logger
}

// NewResolver opens the database at path. A missing or unreadable
// database disables the feature instead of failing startup.
func NewResolver(path string, logger *slog.Logger) *Resolver {
	r := &Resolver{countries: gountries.New(), logger: logger}

	if path == "" {
		logger.Debug("GeoIP database path not configured - enrichment disabled")
		return r
	}

	if _, err := os.Stat(path); err != nil {
		logger.Info("GeoIP database not found - enrichment disabled",
			slog.String("path", path),
			slog.Any("error", err))
		return r
	}

	db, err := geoip2.Open(path)
	if err != nil {
		logger.Error("Failed to open GeoIP database - enrichment disabled",
			slog.String("path", path),
			slog.Any("error", err))
		return r
	}

	logger.Info("GeoIP database initialized", slog.String("path", path))
	r.db = db
	return r
}

// Enabled reports whether lookups can succeed.
func (r *Resolver) Enabled() bool {
	return r.db != nil
}

// CountryCode resolves an IP address to a lowercase ISO country code, or
// "" when the resolver is disabled or the address cannot be resolved.
func (r *Resolver) CountryCode(ipAddress string) string {
	if r.db == nil {
		return ""
	}

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return ""
	}

	record, err := r.db.Country(ip)
	if err != nil {
		r.logger.Debug("GeoIP lookup failed",
			slog.String("ip", ipAddress),
			slog.Any("error", err))
		return ""
	}

	code := record.Country.IsoCode
	if code == "" || code == "--" {
		return ""
	}
	return strings.ToLower(code)
}

// CountryName resolves an ISO code to its English country name, or ""
// when unknown.
func (r *Resolver) CountryName(isoCode string) string {
	if isoCode == "" {
		return ""
	}
	country, err := r.countries.FindCountryByAlpha(strings.ToUpper(isoCode))
	if err != nil {
		return ""
	}
	return country.Name.Common
}

// Close releases the database handle.
func (r *Resolver) Close() {
	if r.db != nil {
		r.db.Close()
	}
}
