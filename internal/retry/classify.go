// Package retry decides what happens to a ticket after a failed attempt.
//
// Classify maps raw error text to a category, PolicyFor maps the category to
// a retry budget and backoff shape, and BackoffDelay turns an attempt number
// into the wait imposed before the ticket becomes claimable again. All three
// are pure; the lifecycle engine owns the resulting state change.
package retry

import (
	"regexp"
	"strconv"
	"strings"
)

// Category is a coarse failure class with its own retry policy
type Category string

const (
	CategoryVerification Category = "verification"
	CategorySecurity     Category = "security"
	CategorySyntax       Category = "syntax"
	CategoryLogic        Category = "logic"
	CategoryRuntime      Category = "runtime"
	CategoryAPI          Category = "api"
	CategoryContext      Category = "context"
	CategoryTimeout      Category = "timeout"
	CategoryManualReview Category = "manual_review"
)

// Confidence levels reported by Classify
const (
	ConfidencePattern    = 0.8
	ConfidenceHTTPStatus = 0.9
	ConfidenceFallback   = 0.3
	ConfidenceEmpty      = 0.0
)

const (
	SubcategoryGeneral      = "general"
	SubcategoryEmptyError   = "empty_error"
	SubcategoryUnclassified = "unclassified"
	SubcategoryServerError  = "server_error"
)

// Classification is the result of classifying one error message
type Classification struct {
	Category    Category `json:"category"`
	Subcategory string   `json:"subcategory"`
	Confidence  float64  `json:"confidence"`
}

// String renders the classification as category/subcategory
func (c Classification) String() string {
	return string(c.Category) + "/" + c.Subcategory
}

type subPattern struct {
	name string
	re   *regexp.Regexp
}

type categoryRule struct {
	category Category
	patterns []*regexp.Regexp
	subs     []subPattern
}

func ci(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + pattern)
}

// rules are evaluated in order; the first category with any matching pattern wins.
var rules = []categoryRule{
	{
		category: CategorySecurity,
		patterns: []*regexp.Regexp{
			ci(`\bsecurity\b`),
			ci(`vulnerab`),
			ci(`(sql|command|code)\s+injection`),
			ci(`\b(xss|csrf|ssrf)\b`),
			ci(`(hardcoded|exposed|leaked)\s+(secret|credential|password|api[_ -]?key|token)`),
		},
		subs: []subPattern{
			{"secret_exposure", ci(`secret|credential|password|api[_ -]?key|token`)},
			{"injection", ci(`injection|\bxss\b`)},
			{"vulnerability", ci(`vulnerab|cve-`)},
		},
	},
	{
		category: CategoryContext,
		patterns: []*regexp.Regexp{
			ci(`context[_ ](length|window)`),
			ci(`maximum context`),
			ci(`token limit`),
			ci(`too many tokens`),
			ci(`prompt is too long`),
		},
		subs: []subPattern{
			{"context_length", ci(`context[_ ](length|window)|maximum context|prompt is too long`)},
			{"token_limit", ci(`token`)},
		},
	},
	{
		category: CategorySyntax,
		patterns: []*regexp.Regexp{
			ci(`syntax\s*error`),
			ci(`unexpected token`),
			ci(`parse error`),
			ci(`unexpected (eof|end of (input|file))`),
			ci(`compil(ation|e) (failed|error)`),
			ci(`does not compile`),
		},
		subs: []subPattern{
			{"unexpected_token", ci(`unexpected token`)},
			{"unexpected_eof", ci(`unexpected (eof|end of)`)},
			{"compile", ci(`compil`)},
			{"parse", ci(`parse`)},
		},
	},
	{
		category: CategoryVerification,
		patterns: []*regexp.Regexp{
			ci(`tests? (failed|failing|failure)`),
			regexp.MustCompile(`\bFAIL\b`),
			ci(`assertion ?(error|failed)`),
			ci(`verification failed`),
			ci(`acceptance criteri(a|on)`),
			ci(`criteria not met`),
		},
		subs: []subPattern{
			{"criteria", ci(`criteri`)},
			{"assertion", ci(`assert`)},
			{"tests", ci(`test|(?-i:\bFAIL\b)`)},
		},
	},
	{
		category: CategoryTimeout,
		patterns: []*regexp.Regexp{
			ci(`timed?[ -]?out`),
			ci(`\bETIMEDOUT\b`),
			ci(`deadline exceeded`),
			ci(`heartbeat`),
		},
		subs: []subPattern{
			{"heartbeat", ci(`heartbeat`)},
			{"deadline", ci(`deadline`)},
			{"network", ci(`ETIMEDOUT|socket|connect`)},
		},
	},
	{
		category: CategoryAPI,
		patterns: []*regexp.Regexp{
			ci(`\bE(CONNREFUSED|CONNRESET|NOTFOUND|AI_AGAIN)\b`),
			ci(`rate[ _-]?limit`),
			ci(`too many requests`),
			ci(`overloaded`),
			ci(`service unavailable`),
			ci(`bad gateway`),
			ci(`socket hang up`),
			ci(`connection (refused|reset)`),
			ci(`fetch failed`),
			ci(`api error`),
		},
		subs: []subPattern{
			{"connection", ci(`ECONN|ENOTFOUND|EAI_AGAIN|socket hang up|connection|fetch failed`)},
			{"rate_limit", ci(`rate[ _-]?limit|too many requests`)},
			{"overloaded", ci(`overloaded|service unavailable|bad gateway`)},
		},
	},
	{
		category: CategoryRuntime,
		patterns: []*regexp.Regexp{
			ci(`\b(TypeError|ReferenceError|RangeError)\b`),
			ci(`(null|nil) pointer`),
			ci(`segmentation fault`),
			ci(`\bpanic:`),
			ci(`cannot read propert(y|ies) of (undefined|null)`),
			ci(`is not a function`),
			ci(`is not defined`),
			ci(`out of memory`),
			ci(`\bE(NOENT|ACCES|PERM)\b`),
			ci(`permission denied`),
			ci(`(cannot find|module not) (module|found)`),
			ci(`exit(ed with)? code [1-9]`),
		},
		subs: []subPattern{
			{"null_reference", ci(`(null|nil) pointer|of (undefined|null)|segmentation fault`)},
			{"type_error", ci(`TypeError|is not a function`)},
			{"reference_error", ci(`ReferenceError|is not defined`)},
			{"missing_module", ci(`cannot find module|module not found`)},
			{"filesystem", ci(`ENOENT|EACCES|EPERM|permission denied`)},
			{"memory", ci(`out of memory`)},
			{"crash", ci(`panic:|exit(ed with)? code`)},
		},
	},
	{
		category: CategoryLogic,
		patterns: []*regexp.Regexp{
			ci(`logic error`),
			ci(`(incorrect|wrong) (result|output|answer|value|behaviou?r)`),
			ci(`unexpected (result|output|behaviou?r)`),
			ci(`infinite loop`),
			ci(`off[- ]by[- ]one`),
		},
		subs: []subPattern{
			{"infinite_loop", ci(`infinite loop`)},
			{"off_by_one", ci(`off[- ]by[- ]one`)},
			{"wrong_output", ci(`result|output|answer|value`)},
		},
	},
}

var statusCodeRE = regexp.MustCompile(`\b([1-5][0-9]{2})\b`)

// Classify maps raw error text to a category, subcategory and confidence.
// It never fails: text that matches nothing degrades to manual_review.
func Classify(message string) Classification {
	if strings.TrimSpace(message) == "" {
		return Classification{Category: CategoryManualReview, Subcategory: SubcategoryEmptyError, Confidence: ConfidenceEmpty}
	}

	for _, rule := range rules {
		if !matchesAny(rule.patterns, message) {
			continue
		}
		return Classification{
			Category:    rule.category,
			Subcategory: subcategoryFor(rule.subs, message),
			Confidence:  ConfidencePattern,
		}
	}

	if code, ok := httpStatus(message); ok {
		if code < 500 {
			return Classification{Category: CategoryAPI, Subcategory: "http_" + strconv.Itoa(code), Confidence: ConfidenceHTTPStatus}
		}
		return Classification{Category: CategoryAPI, Subcategory: SubcategoryServerError, Confidence: ConfidenceHTTPStatus}
	}

	return Classification{Category: CategoryManualReview, Subcategory: SubcategoryUnclassified, Confidence: ConfidenceFallback}
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func subcategoryFor(subs []subPattern, s string) string {
	for _, sp := range subs {
		if sp.re.MatchString(s) {
			return sp.name
		}
	}
	return SubcategoryGeneral
}

// httpStatus returns the first embedded 4xx/5xx code in s
func httpStatus(s string) (int, bool) {
	for _, m := range statusCodeRE.FindAllStringSubmatch(s, -1) {
		code, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if code >= 400 && code <= 599 {
			return code, true
		}
	}
	return 0, false
}
