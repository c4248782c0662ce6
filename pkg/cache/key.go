package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/TFMV/quarry/pkg/models"
)

// fillerPhrases are dropped from ASCII questions, longest first.
var fillerPhrases = [][]string{
	{"i", "would", "like", "to", "know"},
	{"i", "want", "to", "know"},
	{"can", "you", "tell", "me"},
	{"could", "you", "tell", "me"},
	{"can", "you", "show", "me"},
	{"could", "you", "show", "me"},
	{"i'd", "like", "to", "know"},
	{"tell", "me"},
	{"show", "me"},
	{"give", "me"},
	{"can", "you"},
	{"could", "you"},
	{"would", "you"},
	{"please"},
	{"kindly"},
	{"hey"},
	{"just"},
	{"um"},
	{"uh"},
}

var monthAbbreviations = map[string]string{
	"jan":  "january",
	"feb":  "february",
	"mar":  "march",
	"apr":  "april",
	"jun":  "june",
	"jul":  "july",
	"aug":  "august",
	"sep":  "september",
	"sept": "september",
	"oct":  "october",
	"nov":  "november",
	"dec":  "december",
}

// NormalizeQuestion canonicalises a question for use in cache keys.
// Every input is NFC-normalised, lowercased, trimmed, stripped of trailing
// punctuation and whitespace-collapsed. Pure ASCII input additionally loses
// filler words and has month abbreviations expanded; anything containing
// non-ASCII is left at the basic form so distinct non-English questions do
// not collapse together. ASCII-ness is decided on the raw input, since some
// runes (the Kelvin sign) lowercase to ASCII. For ASCII input the result is
// a fixed point: normalizing it again returns it unchanged.
func NormalizeQuestion(q string) string {
	ascii := isASCII(q)
	out := q
	for {
		// Passes only drop words or expand an abbreviation to a full month
		// name, which is never expanded again, so this terminates.
		next := normalizeOnce(out, ascii)
		if next == out {
			return out
		}
		out = next
	}
}

func normalizeOnce(q string, ascii bool) string {
	// Casers are stateful and must not be shared across goroutines.
	s := cases.Lower(language.Und).String(norm.NFC.String(q))
	s = collapseWhitespace(s)
	s = trimTrailingPunct(s)
	if !ascii {
		return s
	}

	words := strings.Fields(s)
	for i, w := range words {
		if full, ok := monthAbbreviations[strings.TrimSuffix(w, ".")]; ok {
			words[i] = full
		}
	}
	if kept := dropFillers(words); len(kept) > 0 {
		words = kept
	}
	return trimTrailingPunct(strings.Join(words, " "))
}

func dropFillers(words []string) []string {
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		if n := matchFiller(words[i:]); n > 0 {
			i += n
			continue
		}
		out = append(out, words[i])
		i++
	}
	return out
}

func matchFiller(words []string) int {
	for _, phrase := range fillerPhrases {
		if len(phrase) > len(words) {
			continue
		}
		match := true
		for j, w := range phrase {
			if words[j] != w {
				match = false
				break
			}
		}
		if match {
			return len(phrase)
		}
	}
	return 0
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func trimTrailingPunct(s string) string {
	return strings.TrimRightFunc(s, func(r rune) bool {
		switch r {
		case '?', '!', '.', ',', ';', ':', '…', '。', '？', '！', '，', '、':
			return true
		}
		return unicode.IsSpace(r)
	})
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// Key derives the cache key of a request. Filter order does not matter.
func Key(sourceID, question string, filters []string, table string) string {
	return planKey(sourceID, question, filters, table, "")
}

func planKey(sourceID, question string, filters []string, table, fingerprint string) string {
	sorted := append([]string(nil), filters...)
	sort.Strings(sorted)

	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(sourceID)
	write(NormalizeQuestion(question))
	for _, f := range sorted {
		write(f)
	}
	h.Write([]byte{1})
	write(table)
	h.Write([]byte{2})
	write(fingerprint)
	return hex.EncodeToString(h.Sum(nil))
}

// PlanFingerprint renders plan canonically: its query type followed by its
// JSON encoding. Plans that compile differently never share a fingerprint.
func PlanFingerprint(plan models.QueryPlan) string {
	if plan == nil {
		return ""
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Sprintf("%s:%#v", plan.QueryType(), plan)
	}
	return string(plan.QueryType()) + ":" + string(data)
}

// RequestKey derives the cache key of an execution request. The plan's
// fingerprint is part of the key, so two plans asked under the same
// question, or under no question at all, are cached apart.
func RequestKey(req *models.ExecutionRequest) string {
	if req == nil {
		return Key("", "", nil, "")
	}
	table := ""
	if req.Plan != nil {
		table = req.Plan.TableName()
	}
	return planKey(req.SourceID, req.Question, models.FilterStrings(req.Plan), table, PlanFingerprint(req.Plan))
}
