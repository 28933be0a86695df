package domain

import "strings"

// fundingSourcePrefixes are the payment-rails hosts a funding source reference may
// point at, with and without the trailing slash.
var fundingSourcePrefixes = []string{
	"https://api-sandbox.dwolla.com/funding-sources/",
	"https://api.dwolla.com/funding-sources/",
	"https://api-sandbox.dwolla.com/funding-sources",
	"https://api.dwolla.com/funding-sources",
}

var fundingSourcePlaceholders = map[string]struct{}{
	"n/a":       {},
	"null":      {},
	"undefined": {},
}

// IsValidFundingSourceURL reports whether raw is a real payment-rails funding source
// reference rather than an empty value or a placeholder. raw is matched as stored, since
// the same value is sent as the transfer link.
func IsValidFundingSourceURL(raw string) bool {
	if raw == "" {
		return false
	}
	if _, placeholder := fundingSourcePlaceholders[strings.ToLower(raw)]; placeholder {
		return false
	}
	for _, prefix := range fundingSourcePrefixes {
		if strings.HasPrefix(raw, prefix) {
			return true
		}
	}
	return false
}
