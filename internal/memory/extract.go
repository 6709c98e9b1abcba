package memory

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/hexframe/swarmmail/internal/event"
)

// Extraction is what an extractor pulled out of one memory's content.
// Relations use SKOS direction: Narrower is the more specific concept.
type Extraction struct {
	Entities  []event.EntityRef      `json:"entities,omitempty"`
	Relations []event.EntityRelation `json:"relations,omitempty"`
}

// Extractor pulls entities and taxonomy relations from free text.
type Extractor interface {
	Extract(ctx context.Context, content string) (*Extraction, error)
}

// maxEntities caps extraction output so a pathological wall of
// CamelCase cannot flood the vocabulary from one memory.
const maxEntities = 16

var (
	// CamelCase identifiers: OAuthClient, SwarmCoordinator.
	camelRe = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)+\b`)
	// Short acronyms: API, JWT, TTL. Single capitals are prose, not terms.
	acronymRe = regexp.MustCompile(`\b[A-Z][A-Z0-9]{2,5}\b`)
	// Backtick-quoted code terms.
	codeTermRe = regexp.MustCompile("`([A-Za-z][\\w./-]{2,})`")
	// Domain vocabulary worth indexing even in lowercase prose.
	keywordRe = regexp.MustCompile(`(?i)\b(oauth|auth|token|cache|database|sqlite|postgres|vector|embedding|webhook|api|queue|worker|mutex|lock|migration|schema|endpoint|timeout|retry|index|shard|replica)\b`)
	// Taxonomy lines: "- narrower -> broader".
	relationRe = regexp.MustCompile(`(?m)^\s*-?\s*([A-Za-z][\w .-]{1,40}?)\s*->\s*([A-Za-z][\w .-]{1,40}?)\s*$`)
)

// RegexExtractor is the always-on extractor: cheap pattern matching
// over identifiers, acronyms, quoted code terms, and a fixed keyword
// vocabulary. An LLM extractor can sit behind it in a Pipeline for
// anything regexes miss.
type RegexExtractor struct{}

func (RegexExtractor) Extract(_ context.Context, content string) (*Extraction, error) {
	out := &Extraction{}
	seen := map[string]bool{}

	add := func(label string) {
		label = strings.TrimSpace(label)
		if label == "" || len(out.Entities) >= maxEntities {
			return
		}
		key := strings.ToLower(label)
		if seen[key] {
			return
		}
		seen[key] = true
		out.Entities = append(out.Entities, event.EntityRef{PrefLabel: label})
	}

	for _, m := range camelRe.FindAllString(content, -1) {
		add(m)
	}
	for _, m := range acronymRe.FindAllString(content, -1) {
		add(m)
	}
	for _, m := range codeTermRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range keywordRe.FindAllString(content, -1) {
		add(strings.ToLower(m))
	}

	// "a -> b" reads as a filed under b.
	for _, m := range relationRe.FindAllStringSubmatch(content, -1) {
		narrower, broader := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if narrower == "" || broader == "" || strings.EqualFold(narrower, broader) {
			continue
		}
		out.Relations = append(out.Relations, event.EntityRelation{
			Broader:  broader,
			Narrower: narrower,
		})
		add(broader)
		add(narrower)
	}
	return out, nil
}

// Pipeline runs extractors in order and merges their output. A failing
// stage does not discard what the others found; Extract errors only
// when every stage failed.
type Pipeline []Extractor

func (p Pipeline) Extract(ctx context.Context, content string) (*Extraction, error) {
	merged := &Extraction{}
	seenEntity := map[string]bool{}
	seenRelation := map[string]bool{}
	var errs []error

	for _, ex := range p {
		result, err := ex.Extract(ctx, content)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if result == nil {
			continue
		}
		for _, e := range result.Entities {
			key := strings.ToLower(e.PrefLabel)
			if e.PrefLabel == "" || seenEntity[key] {
				continue
			}
			seenEntity[key] = true
			merged.Entities = append(merged.Entities, e)
		}
		for _, r := range result.Relations {
			key := strings.ToLower(r.Broader) + "\x00" + strings.ToLower(r.Narrower)
			if seenRelation[key] {
				continue
			}
			seenRelation[key] = true
			merged.Relations = append(merged.Relations, r)
		}
	}

	if len(errs) == len(p) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return merged, nil
}
