package tools

import "strings"

// airlineAliases maps lowercase alias substrings to a canonical display
// name (spec §4.F: "Airline-name normalization uses an alias table; lookup
// is case-insensitive and substring-tolerant"). Keyed loosely enough to
// absorb the abbreviations and IATA-prefixed forms upstream providers tend
// to return.
var airlineAliases = map[string]string{
	"american":    "American Airlines",
	"aa ":         "American Airlines",
	"delta":       "Delta Air Lines",
	"united":      "United Airlines",
	"ual":         "United Airlines",
	"southwest":   "Southwest Airlines",
	"jetblue":     "JetBlue Airways",
	"alaska":      "Alaska Airlines",
	"spirit":      "Spirit Airlines",
	"frontier":    "Frontier Airlines",
	"lufthansa":   "Lufthansa",
	"british air": "British Airways",
	"air france":  "Air France",
	"klm":         "KLM Royal Dutch Airlines",
	"emirates":    "Emirates",
	"qatar":       "Qatar Airways",
	"iberia":      "Iberia",
	"aeromexico":  "Aeroméxico",
	"latam":       "LATAM Airlines",
	"avianca":     "Avianca",
	"copa":        "Copa Airlines",
}

// NormalizeAirline resolves raw (a provider-supplied airline name, possibly
// abbreviated or differently-cased) to a canonical display name via a
// case-insensitive, substring-tolerant lookup against airlineAliases. If no
// alias matches, raw is returned with whitespace trimmed, unchanged
// otherwise — an unrecognized airline name is not an error.
func NormalizeAirline(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	lower := strings.ToLower(trimmed)
	for alias, canonical := range airlineAliases {
		if strings.Contains(lower, strings.TrimSpace(alias)) {
			return canonical
		}
	}
	return trimmed
}
