package util

// SafeTruncate truncates s to at most maxLen bytes without panicking. Used
// when logging token prefixes, where only the first few characters may be
// shown. Negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
