// Package extract turns free-form agent answers into candidate memory facts.
//
// Extraction is conservative: every keyed fact must be attributable to a
// customer mentioned in the text, and anything ambiguous is dropped.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ent0n29/mnemo/internal/memory"
)

const (
	TypeCustomerID     = "customer_id"
	TypeCustomerName   = "customer_name"
	TypeEmail          = "email"
	TypeRiskLevel      = "risk_level"
	TypeIncome         = "income"
	TypeCreditScore    = "credit_score"
	TypeAccountBalance = "account_balance"
	TypeTotalAssets    = "total_assets"

	RiskHigh   = "HIGH_RISK"
	RiskMedium = "MEDIUM_RISK"
	RiskLow    = "LOW_RISK"

	customerAnalyzed = "analyzed"
)

// attributionWindow is the maximum distance in bytes between a value and a
// customer mention when several customers appear in the same text.
const attributionWindow = 160

var (
	customerIDPattern = regexp.MustCompile(`(?i)\bcustomers?(?:[\s_-]*(?:id|number|no\.?))?[\s:#]*(\d{4,})\b`)
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	riskPattern       = regexp.MustCompile(`(?i)\b(high|medium|moderate|low)(?:[\s_-]+credit)?[\s_-]+risk\b`)
	namePattern       = regexp.MustCompile(`\b(?:[Cc]ustomer\s+)?[Nn]ame(?:\s+is)?\s*:?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2})`)

	amount = `\$?\s*(\d{1,3}(?:,\d{3})+(?:\.\d{2})?|\d+(?:\.\d{2})?)\b`

	labeledRules = []labeledRule{
		{factType: TypeIncome, pattern: labeled(`(?:annual\s+)?income`, amount)},
		{factType: TypeCreditScore, pattern: labeled(`credit\s*score|fico(?:\s+score)?`, `(\d{3})\b`)},
		{factType: TypeAccountBalance, pattern: labeled(`(?:account\s+)?balance`, amount)},
		{factType: TypeTotalAssets, pattern: labeled(`total\s+assets`, amount)},
	}
)

type labeledRule struct {
	factType string
	pattern  *regexp.Regexp
}

func labeled(label, value string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + label + `)\b\s*(?:(?:is|of|was|=)\s*)?:?\s*` + value)
}

type span struct{ start, end int }

type customers struct {
	ids      []string
	mentions map[string][]span
}

// Extract returns the facts found in answer. userMessage may be empty; ids
// labeled in it are only used when the answer repeats them.
func Extract(answer, userMessage string) []memory.FactInput {
	if strings.TrimSpace(answer) == "" {
		return nil
	}

	cs := findCustomers(answer, userMessage)
	out := newFactSet()

	for _, id := range cs.ids {
		out.add(TypeCustomerID, id, customerAnalyzed)
	}

	for _, m := range riskPattern.FindAllStringSubmatchIndex(answer, -1) {
		id, ok := cs.attribute(span{m[0], m[1]})
		if !ok {
			continue
		}
		out.add(TypeRiskLevel, id, riskLabel(answer[m[2]:m[3]]))
	}

	for _, m := range emailPattern.FindAllStringIndex(answer, -1) {
		email := answer[m[0]:m[1]]
		if id, ok := cs.attribute(span{m[0], m[1]}); ok {
			out.add(TypeEmail, id, email)
			continue
		}
		out.add(TypeEmail, strings.ToLower(email), email)
	}

	for _, rule := range labeledRules {
		for _, m := range rule.pattern.FindAllStringSubmatchIndex(answer, -1) {
			id, ok := cs.attribute(span{m[0], m[1]})
			if !ok {
				continue
			}
			out.add(rule.factType, id, strings.ReplaceAll(answer[m[2]:m[3]], ",", ""))
		}
	}

	for _, m := range namePattern.FindAllStringSubmatchIndex(answer, -1) {
		id, ok := cs.attribute(span{m[0], m[1]})
		if !ok {
			continue
		}
		out.add(TypeCustomerName, id, answer[m[2]:m[3]])
	}

	return out.sorted()
}

// CustomerIDs returns the keys of customer_id facts in input order.
func CustomerIDs(facts []memory.FactInput) []string {
	var ids []string
	for _, f := range facts {
		if f.Type == TypeCustomerID {
			ids = append(ids, f.Key)
		}
	}
	return ids
}

func findCustomers(answer, userMessage string) customers {
	cs := customers{mentions: make(map[string][]span)}
	seen := make(map[string]struct{})
	addID := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		spans := numberMentions(answer, id)
		if len(spans) == 0 {
			return
		}
		seen[id] = struct{}{}
		cs.ids = append(cs.ids, id)
		cs.mentions[id] = spans
	}

	for _, m := range customerIDPattern.FindAllStringSubmatch(answer, -1) {
		addID(m[1])
	}
	for _, m := range customerIDPattern.FindAllStringSubmatch(userMessage, -1) {
		addID(m[1])
	}
	return cs
}

// numberMentions finds id in text where it is not part of a longer number.
func numberMentions(text, id string) []span {
	var out []span
	for from := 0; ; {
		i := strings.Index(text[from:], id)
		if i < 0 {
			return out
		}
		start := from + i
		end := start + len(id)
		if (start == 0 || !isDigit(text[start-1])) && (end == len(text) || !isDigit(text[end])) {
			out = append(out, span{start, end})
		}
		from = end
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// attribute picks the customer a value at s belongs to. A single customer
// takes everything; otherwise the nearest mention within the window wins.
func (cs customers) attribute(s span) (string, bool) {
	switch len(cs.ids) {
	case 0:
		return "", false
	case 1:
		return cs.ids[0], true
	}

	best, bestDist := "", attributionWindow+1
	for _, id := range cs.ids {
		for _, m := range cs.mentions[id] {
			d := distance(s, m)
			if d < bestDist {
				best, bestDist = id, d
			}
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

func distance(a, b span) int {
	switch {
	case b.end <= a.start:
		return a.start - b.end
	case b.start >= a.end:
		return b.start - a.end
	default:
		return 0
	}
}

func riskLabel(level string) string {
	switch strings.ToLower(level) {
	case "high":
		return RiskHigh
	case "low":
		return RiskLow
	default:
		return RiskMedium
	}
}

type factSet struct {
	order []memory.FactInput
	seen  map[[2]string]struct{}
}

func newFactSet() *factSet {
	return &factSet{seen: make(map[[2]string]struct{})}
}

// add keeps the first value seen for each (type, key).
func (fs *factSet) add(typ, key, value string) {
	k := [2]string{typ, key}
	if _, ok := fs.seen[k]; ok {
		return
	}
	fs.seen[k] = struct{}{}
	fs.order = append(fs.order, memory.FactInput{Type: typ, Key: key, Value: value})
}

func (fs *factSet) sorted() []memory.FactInput {
	out := append([]memory.FactInput(nil), fs.order...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out
}
