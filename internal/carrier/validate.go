package carrier

import (
	"regexp"
	"strings"
)

var (
	fedexPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{12}$`), // Express
		regexp.MustCompile(`^\d{14}$`), // Ground
		regexp.MustCompile(`^\d{15}$`), // SmartPost
		regexp.MustCompile(`^\d{22}$`), // Ground barcode
	}
	upsPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^1Z[0-9A-Z]{16}$`), // standard 1Z number
		regexp.MustCompile(`^\d{12}$`),         // reference
		regexp.MustCompile(`^\d{18}$`),
		regexp.MustCompile(`^\d{22,25}$`), // Mail Innovations
		regexp.MustCompile(`^T\d{10}$`),   // InfoNotice
	}
	dhlPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[A-Z]{2}\d{9}[A-Z]{2}$`), // Express
		regexp.MustCompile(`^\d{10,30}$`),             // eCommerce numeric
		regexp.MustCompile(`^[A-Z0-9]{10,30}$`),       // alphanumeric package id
		regexp.MustCompile(`^GM\d{17}$`),
		regexp.MustCompile(`^420\d{27}$`), // USPS handoff
	}
	ontracPattern = regexp.MustCompile(`^[CD]\d{14}$`)

	nonAlphanumeric = regexp.MustCompile(`[^A-Z0-9]`)
)

// Validate reports whether the candidate matches the carrier's published
// numbering scheme. Pure function; no lookups, no network.
func Validate(c Carrier, candidate string) bool {
	clean := CleanNumber(candidate)
	if clean == "" {
		return false
	}
	switch c {
	case FedEx:
		return matchAny(fedexPatterns, clean)
	case UPS:
		return matchAny(upsPatterns, clean)
	case DHL:
		if len(clean) < 10 || len(clean) > 30 {
			return false
		}
		return matchAny(dhlPatterns, clean)
	case OnTrac:
		return validOnTrac(clean)
	}
	return false
}

// CleanNumber uppercases the candidate and strips spacing and punctuation.
func CleanNumber(candidate string) string {
	return nonAlphanumeric.ReplaceAllString(strings.ToUpper(strings.TrimSpace(candidate)), "")
}

func matchAny(patterns []*regexp.Regexp, candidate string) bool {
	for _, p := range patterns {
		if p.MatchString(candidate) {
			return true
		}
	}
	return false
}

// validOnTrac checks the 15-character OnTrac format and verifies the trailing
// check digit.
func validOnTrac(candidate string) bool {
	if !ontracPattern.MatchString(candidate) {
		return false
	}
	want := int(candidate[len(candidate)-1] - '0')
	return ontracCheckDigit(candidate[:len(candidate)-1]) == want
}

// ontracCheckDigit computes the check digit for the 14-character body of an
// OnTrac number (alpha prefix plus 13 digits). The prefix letter maps to its
// alphabet position (D -> 4), then odd-position values are summed, the
// even-position sum is doubled, and the total is subtracted from the next
// multiple of ten. A total that is itself a multiple of ten yields 0.
func ontracCheckDigit(body string) int {
	values := make([]int, 0, len(body))
	values = append(values, int(body[0]-'A')+1)
	for i := 1; i < len(body); i++ {
		values = append(values, int(body[i]-'0'))
	}
	odd, even := 0, 0
	for i, v := range values {
		if (i+1)%2 == 1 {
			odd += v
		} else {
			even += v
		}
	}
	total := odd + even*2
	remainder := total % 10
	if remainder == 0 {
		return 0
	}
	return 10 - remainder
}
