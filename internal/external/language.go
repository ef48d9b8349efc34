package external

import "strings"

// languageIDs maps normalized language subtags to the API's internal
// language record ids
var languageIDs = map[string]int{
	"en_US": 2,
	"es_MX": 7,
}

// defaultLanguageID backs any tag the map does not know
const defaultLanguageID = 2

// LanguageID resolves a language tag (either "en-US" or "en_US" form) to
// the API's language id
func LanguageID(tag string) int {
	tag = strings.ReplaceAll(tag, "-", "_")
	if id, ok := languageIDs[tag]; ok {
		return id
	}
	return defaultLanguageID
}
