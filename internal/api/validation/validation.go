package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
)

const (
	MaxOrganizationName = 120
	MaxReason           = 500
	MaxUsageDelta       = 1000
)

var (
	// UUIDRegex validates UUID format
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// Billing provider object ids: evt_..., sub_..., in_...
	providerRefRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,255}$`)
)

// IsValidUUID checks if the string is a valid UUID format
func IsValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// ParseUUID parses an id in the canonical hyphenated form only; uuid.Parse
// alone also takes braced, urn and unhyphenated spellings.
func ParseUUID(id string) (uuid.UUID, bool) {
	if !IsValidUUID(id) {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(id)
	return parsed, err == nil
}

// IsValidProviderRef checks the shape of a billing provider id.
func IsValidProviderRef(ref string) bool {
	return providerRefRegex.MatchString(ref)
}

// OrganizationName cleans name and reports a problem with it, if any.
func OrganizationName(name string) (string, string) {
	name = strings.TrimSpace(SanitizeString(name))
	switch {
	case name == "":
		return "", "Organization name is required"
	case utf8.RuneCountInString(name) > MaxOrganizationName:
		return "", fmt.Sprintf("Organization name must be at most %d characters", MaxOrganizationName)
	case strings.ContainsAny(name, "\n\r\t"):
		return "", "Organization name must be a single line"
	}
	return name, ""
}

// Reason cleans a lifecycle reason. required is true for transitions that
// must explain themselves to the organization.
func Reason(reason string, required bool) (string, string) {
	reason = strings.TrimSpace(SanitizeString(reason))
	if required && reason == "" {
		return "", "A reason is required for this transition"
	}
	if utf8.RuneCountInString(reason) > MaxReason {
		return "", fmt.Sprintf("Reason must be at most %d characters", MaxReason)
	}
	return reason, ""
}

// Usage checks a usage adjustment request.
func Usage(field string, delta int) map[string]string {
	errs := make(map[string]string)
	if !entitlement.UsageField(field).Valid() {
		errs["field"] = "Unknown usage field: " + field
	}
	switch {
	case delta == 0:
		errs["delta"] = "Delta must not be zero"
	case delta > MaxUsageDelta || delta < -MaxUsageDelta:
		errs["delta"] = fmt.Sprintf("Delta must be within ±%d", MaxUsageDelta)
	}
	return errs
}

// OrgStatus parses an optional status filter. Empty means any status.
func OrgStatus(s string) (models.OrgStatus, bool) {
	if s == "" {
		return "", true
	}
	status := models.OrgStatus(strings.ToUpper(strings.TrimSpace(s)))
	return status, status.Valid()
}

// SanitizeString removes potentially dangerous characters for display
func SanitizeString(s string) string {
	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	// Remove control characters except newlines and tabs
	var result strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}

	return result.String()
}
