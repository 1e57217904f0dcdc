package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/longbridgeapp/opencc"
)

// ErrEmptyQuery marks search terms that normalize to an empty full-text
// predicate. It is an input error, not a silent "match nothing".
var ErrEmptyQuery = errors.New("empty search query")

// converterNames are the OpenCC conversions applied to every term: both
// character-level (s2tw, tw2s) and phrase-level (s2twp, tw2sp), in both
// directions, so a query typed in one script matches content stored in the
// other.
var converterNames = []string{"s2tw", "tw2s", "s2twp", "tw2sp"}

// QueryBuilder turns free-text search terms into a store-ready Query
// covering every script variant of each term.
type QueryBuilder struct {
	converters []*opencc.OpenCC
}

// NewQueryBuilder loads the OpenCC conversion tables.
func NewQueryBuilder() (*QueryBuilder, error) {
	converters := make([]*opencc.OpenCC, 0, len(converterNames))
	for _, name := range converterNames {
		cc, err := opencc.New(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load opencc conversion %q: %w", name, err)
		}
		converters = append(converters, cc)
	}
	return &QueryBuilder{converters: converters}, nil
}

// minIndexedRunes is the shortest term the trigram tokenizer can match.
// Anything shorter is invisible to the full-text index and has to be
// matched as a raw substring instead.
const minIndexedRunes = 3

// Query is a store-ready text predicate. Match is the FTS5 MATCH expression
// over terms long enough for the trigram index. Terms below that floor
// travel separately: each Contains entry is the variant group of one
// required term (any variant may appear), and Excludes lists variants that
// must not appear anywhere.
type Query struct {
	Match    string
	Contains [][]string
	Excludes []string
}

type term struct {
	text     string
	negative bool
}

// Build parses the given search terms into a Query. Terms are separated by
// whitespace, double quotes keep a phrase together, and a leading '-'
// negates a term. Every term is expanded into its distinct script variants;
// negated terms exclude all variants. Terms shorter than a trigram are
// routed into the substring fields, so a two-character CJK word still
// matches even though the full-text index cannot see it.
func (b *QueryBuilder) Build(input string) (Query, error) {
	terms := tokenize(input)

	var q Query
	var positives []string
	var negatives []term
	for _, t := range terms {
		if utf8.RuneCountInString(t.text) < minIndexedRunes {
			if t.negative {
				q.Excludes = append(q.Excludes, b.variants(t.text)...)
			} else {
				q.Contains = append(q.Contains, b.variants(t.text))
			}
			continue
		}
		if t.negative {
			negatives = append(negatives, t)
		} else {
			positives = append(positives, b.variantExpr(t.text))
		}
	}

	if len(positives) == 0 && len(q.Contains) == 0 {
		return Query{}, ErrEmptyQuery
	}

	if len(positives) == 0 {
		// FTS5 NOT needs a left-hand side; without one the negations
		// become substring exclusions like their short counterparts.
		for _, t := range negatives {
			q.Excludes = append(q.Excludes, b.variants(t.text)...)
		}
		return q, nil
	}

	expr := strings.Join(positives, " AND ")
	for _, t := range negatives {
		expr = "(" + expr + ") NOT " + b.variantExpr(t.text)
	}
	q.Match = expr
	return q, nil
}

// variants returns the distinct script variants of a term, sorted for
// deterministic output regardless of converter order.
func (b *QueryBuilder) variants(text string) []string {
	seen := map[string]bool{text: true}
	out := []string{text}
	for _, cc := range b.converters {
		converted, err := cc.Convert(text)
		if err != nil || converted == "" || seen[converted] {
			continue
		}
		seen[converted] = true
		out = append(out, converted)
	}
	if len(out) > 1 {
		sort.Strings(out)
	}
	return out
}

// variantExpr renders one term as an FTS5 sub-expression over its distinct
// script variants.
func (b *QueryBuilder) variantExpr(text string) string {
	variants := b.variants(text)
	if len(variants) == 1 {
		return quote(variants[0])
	}

	quoted := make([]string, len(variants))
	for i, v := range variants {
		quoted[i] = quote(v)
	}
	return "(" + strings.Join(quoted, " OR ") + ")"
}

// quote renders a term as an FTS5 string literal, neutralizing any syntax
// characters it contains.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// tokenize splits the input into terms. Double-quoted runs stay together,
// '-' at the start of a term marks it negative, and parentheses act as
// separators.
func tokenize(input string) []term {
	var terms []term
	var cur strings.Builder
	negative := false
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			terms = append(terms, term{text: cur.String(), negative: negative})
			cur.Reset()
		}
		negative = false
	}

	for _, r := range input {
		switch {
		case r == '"':
			if inQuote {
				inQuote = false
				flush()
			} else {
				inQuote = true
			}
		case inQuote:
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '(' || r == ')':
			flush()
		case r == '-' && cur.Len() == 0:
			negative = true
		default:
			cur.WriteRune(r)
		}
	}
	flush()

	return terms
}
