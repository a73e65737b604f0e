package utils

import (
	"os"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// NormalizePhone formats a phone number to E.164 where possible. Providers
// disagree on accepted formats, so the unified entity always carries E.164.
// Unparseable input is returned trimmed rather than rejected; phone is not a
// required field.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	region := strings.TrimSpace(os.Getenv("DEFAULT_PHONE_REGION"))
	if region == "" {
		region = "US"
	}
	num, err := libphonenumber.Parse(phone, region)
	if err != nil {
		return phone
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}
