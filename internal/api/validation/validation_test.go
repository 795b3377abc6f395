package validation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/stretchr/testify/assert"
)

func TestIsValidUUID(t *testing.T) {
	tests := []struct {
		name  string
		uuid  string
		valid bool
	}{
		{"valid_uuid", "550e8400-e29b-41d4-a716-446655440000", true},
		{"valid_uppercase", "550E8400-E29B-41D4-A716-446655440000", true},
		{"invalid_short", "550e8400-e29b-41d4-a716", false},
		{"invalid_no_dashes", "550e8400e29b41d4a716446655440000", false},
		{"invalid_letters", "ggge8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidUUID(tt.uuid), "UUID: %s", tt.uuid)
		})
	}
}

func TestIsValidProviderRef(t *testing.T) {
	assert.True(t, IsValidProviderRef("evt_1NG8Du2eZvKYlo2CUI79vXWy"))
	assert.True(t, IsValidProviderRef("sub_123"))
	assert.False(t, IsValidProviderRef(""))
	assert.False(t, IsValidProviderRef("evt 1"))
	assert.False(t, IsValidProviderRef(strings.Repeat("a", 256)))
}

func TestOrganizationName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"simple", "Acme Rentals", "Acme Rentals", false},
		{"trimmed", "  Acme  ", "Acme", false},
		{"control_chars_dropped", "Ac\x00me\x07", "Acme", false},
		{"unicode", "Café Øresund", "Café Øresund", false},
		{"empty", "   ", "", true},
		{"multi_line", "Acme\nRentals", "", true},
		{"too_long", strings.Repeat("é", MaxOrganizationName+1), "", true},
		{"max_length", strings.Repeat("é", MaxOrganizationName), strings.Repeat("é", MaxOrganizationName), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := OrganizationName(tt.input)
			if tt.wantErr {
				assert.NotEmpty(t, msg)
				return
			}
			assert.Empty(t, msg)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReason(t *testing.T) {
	got, msg := Reason("  missing documents ", true)
	assert.Empty(t, msg)
	assert.Equal(t, "missing documents", got)

	_, msg = Reason("", true)
	assert.NotEmpty(t, msg)

	got, msg = Reason("", false)
	assert.Empty(t, msg)
	assert.Empty(t, got)

	_, msg = Reason(strings.Repeat("x", MaxReason+1), false)
	assert.NotEmpty(t, msg)
}

func TestUsage(t *testing.T) {
	assert.Empty(t, Usage("listings", 1))
	assert.Empty(t, Usage("members", -1))

	errs := Usage("widgets", 1)
	assert.Contains(t, errs, "field")

	errs = Usage("images", 0)
	assert.Contains(t, errs, "delta")

	errs = Usage("videos", MaxUsageDelta+1)
	assert.Contains(t, errs, "delta")
	assert.NotContains(t, errs, "field")
}

func TestOrgStatus(t *testing.T) {
	s, ok := OrgStatus("")
	assert.True(t, ok)
	assert.Equal(t, models.OrgStatus(""), s)

	s, ok = OrgStatus("pending")
	assert.True(t, ok)
	assert.Equal(t, models.OrgStatusPending, s)

	_, ok = OrgStatus("deleted")
	assert.False(t, ok)
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal", "hello world", "hello world"},
		{"null_byte", "hello\x00world", "helloworld"},
		{"newline_preserved", "hello\nworld", "hello\nworld"},
		{"tab_preserved", "hello\tworld", "hello\tworld"},
		{"control_char", "hello\x07world", "helloworld"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeString(tt.input))
		})
	}
}

func TestParseUUID(t *testing.T) {
	id := uuid.New()

	got, ok := ParseUUID(id.String())
	assert.True(t, ok)
	assert.Equal(t, id, got)

	for _, raw := range []string{
		"urn:uuid:" + id.String(),
		"{" + id.String() + "}",
		strings.ReplaceAll(id.String(), "-", ""),
		"",
	} {
		_, ok := ParseUUID(raw)
		assert.False(t, ok, raw)
	}
}
