package geoip

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"ingestly/internal/logging"
)

func TestResolverDisabledWithoutDatabase(t *testing.T) {
	r := NewResolver("", logging.NewTestLogger())
	assert.False(t, r.Enabled())
	assert.Equal(t, "", r.CountryCode("203.0.113.7"))
	r.Close()
}

func TestResolverDisabledWhenFileMissing(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "absent.mmdb"), logging.NewTestLogger())
	assert.False(t, r.Enabled())
	assert.Equal(t, "", r.CountryCode("203.0.113.7"))
}

func TestCountryName(t *testing.T) {
	r := NewResolver("", logging.NewTestLogger())

	assert.Equal(t, "Germany", r.CountryName("de"))
	assert.Equal(t, "Germany", r.CountryName("DE"))
	assert.Equal(t, "", r.CountryName(""))
	assert.Equal(t, "", r.CountryName("zz"))
}
