package persona

import "strings"

// countryLocales maps E.164 country calling codes to locales. Longest prefix wins.
var countryLocales = map[string]string{
	"90":  "tr",
	"44":  "en",
	"1":   "en",
	"353": "en",
	"61":  "en",
	"49":  "de",
	"43":  "de",
	"41":  "de",
	"33":  "fr",
	"31":  "nl",
	"7":   "ru",
	"971": "ar",
	"966": "ar",
	"974": "ar",
	"965": "ar",
	"973": "ar",
	"968": "ar",
}

// DetectLocale returns the locale for an E.164 phone number, or "".
func DetectLocale(phone string) string {
	digits := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	for n := 3; n >= 1; n-- {
		if len(digits) < n {
			continue
		}
		if locale, ok := countryLocales[digits[:n]]; ok {
			return locale
		}
	}
	return ""
}
