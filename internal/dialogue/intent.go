package dialogue

import "strings"

// Intent is the coarse classification of a customer message.
type Intent string

const (
	IntentShowMore      Intent = "show_more"
	IntentConfirmation  Intent = "confirmation"
	IntentProductSearch Intent = "product_search"
)

// Yes/no vocabularies, English plus Moroccan Darija.
var (
	yesWords = map[string]struct{}{
		"yes": {}, "y": {}, "confirm": {}, "ok": {}, "okay": {}, "sure": {},
		"ah": {}, "wakha": {}, "mzyan": {}, "iyyeh": {}, "na3am": {},
	}
	noWords = map[string]struct{}{
		"no": {}, "n": {}, "cancel": {}, "stop": {}, "nope": {},
		"la": {}, "bala": {}, "mansalich": {},
	}
)

var punctuation = strings.NewReplacer(".", "", ",", "", "!", "", "?", "", ";", "", ":", "")

// Normalize case-folds text, strips sentence punctuation and collapses
// whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(punctuation.Replace(strings.ToLower(text))), " ")
}

// IsYes reports whether text is exactly a yes-equivalent.
func IsYes(text string) bool {
	_, ok := yesWords[Normalize(text)]
	return ok
}

// IsNo reports whether text is exactly a no-equivalent.
func IsNo(text string) bool {
	_, ok := noWords[Normalize(text)]
	return ok
}

// ResolveIntent classifies text. Product search is the catch-all.
func ResolveIntent(text string) Intent {
	normalized := Normalize(text)
	switch {
	case strings.Contains(normalized, "show more"):
		return IntentShowMore
	case IsYes(normalized) || IsNo(normalized):
		return IntentConfirmation
	default:
		return IntentProductSearch
	}
}

// IntentLabel is the key counted by the repeated-intent counter: show-more
// requests share one label, anything else is keyed by its normalized text.
func IntentLabel(text string) string {
	if ResolveIntent(text) == IntentShowMore {
		return string(IntentShowMore)
	}
	return Normalize(text)
}

// addForms are the inflections of "add" that open a shortlist confirmation.
var addForms = map[string]struct{}{
	"add": {}, "adds": {}, "added": {}, "adding": {}, "addon": {}, "addons": {},
}

// signalsShortlist reports whether a search asks to add or shortlist an
// item. Words are split on hyphens so "add-on" counts; "padded" and
// "address" do not.
func signalsShortlist(normalized string) bool {
	words := strings.FieldsFunc(normalized, func(r rune) bool { return r == ' ' || r == '-' })
	for _, w := range words {
		if _, ok := addForms[w]; ok || strings.HasPrefix(w, "shortlist") {
			return true
		}
	}
	return false
}
