// Package validation provides input validation for the API and for
// account credentials.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB — requests are
// tiny and the uplink is often 2G).
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 256

var (
	digitsRegex      = regexp.MustCompile(`^[0-9]+$`)
	fingerprintRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{8,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidPhoneNumber checks a phone number, optionally against regional
// digit-count rules. Separators and a leading + are tolerated.
func ValidPhoneNumber(phone, region string) bool {
	clean := strings.NewReplacer("+", "", "-", "", " ", "", "(", "", ")", "").Replace(phone)
	if len(clean) < 7 || len(clean) > 15 {
		return false
	}
	if !digitsRegex.MatchString(clean) {
		return false
	}
	switch region {
	case "US":
		return len(clean) == 10 || (len(clean) == 11 && clean[0] == '1')
	case "KE":
		return len(clean) == 9 || strings.HasPrefix(clean, "254")
	case "NG":
		return len(clean) == 10 || len(clean) == 11
	case "IN":
		return len(clean) == 10
	default:
		return true
	}
}

// NormalizePhoneNumber strips separators so the same number always maps
// to the same account key.
func NormalizePhoneNumber(phone string) string {
	return strings.NewReplacer("-", "", " ", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
}

// ValidPin checks the PIN format. In simple mode, 4-6 digits. In complex
// mode, at least 6 digits and not an ascending or descending run.
func ValidPin(pin string, complex bool) bool {
	if !digitsRegex.MatchString(pin) {
		return false
	}
	if complex {
		return len(pin) >= 6 && !sequentialPin(pin)
	}
	return len(pin) >= 4 && len(pin) <= 6
}

// sequentialPin reports whether the PIN is a strictly ascending or
// strictly descending digit run (1234, 9876).
func sequentialPin(pin string) bool {
	if len(pin) < 3 {
		return false
	}
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[i-1]+1 {
			ascending = false
		}
		if pin[i] != pin[i-1]-1 {
			descending = false
		}
	}
	return ascending || descending
}

// ValidFingerprint checks a device fingerprint token.
func ValidFingerprint(fp string) bool {
	return fingerprintRegex.MatchString(fp)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}
