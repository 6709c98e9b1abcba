package memory

import (
	"context"
	"regexp"
	"strings"
)

// Capture filters decide whether arbitrary agent output deserves a
// memory. Wrapper hooks run every candidate through CaptureWorthy so
// the store holds durable learnings, not conversation residue.

// strongCapture patterns each mark content that is worth keeping on
// its own: stated preferences, decisions, learnings, gotchas,
// architecture notes, warnings, and configuration rules.
var strongCapture = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(prefer|prefers|preferred|always use|never use|we use)\b`),
	regexp.MustCompile(`(?i)\b(decided|decision|we chose|chose to|going with|settled on)\b`),
	regexp.MustCompile(`(?i)\b(learned|realized|discovered|turns out|found out|key insight)\b`),
	regexp.MustCompile(`(?i)\b(gotcha|pitfall|caveat|watch out|footgun|tricky part|surprising)\b`),
	regexp.MustCompile(`(?i)\b(architecture|architectural|design decision|layering|module boundary)\b`),
	regexp.MustCompile(`(?i)\b(warning|must not|do not|never call|breaks if|fails when|corrupts)\b`),
	regexp.MustCompile(`(?i)\b(config|configuration|env var|environment variable|flag)\b[^.!?\n]*\b(must|should|requires?|defaults?)\b`),
}

// systemNoise patterns reject machinery talking to itself: watchdog
// and heartbeat chatter, structured outcome blocks that already live
// in the event log, and context the runtime injected earlier (storing
// those would echo recalled memories back into the store).
var systemNoise = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^\s*\[?watchdog\b`),
	regexp.MustCompile(`(?im)^\s*heartbeat\b|\bheartbeat ok\b`),
	regexp.MustCompile(`(?m)^\s*(OUTCOME|DECISION|COMPACTION):`),
	regexp.MustCompile(`(?im)^\s*\[(injected context|recalled memor(y|ies)|memory recall)\]`),
	regexp.MustCompile(`(?im)^relevant memories:`),
}

// minCaptureRunes is the floor below which nothing is stored-worthy.
const minCaptureRunes = 80

// longCaptureRunes is the length at which entity density alone
// qualifies content, without a strong-capture match.
const longCaptureRunes = 300

// CaptureWorthy reports whether content should be stored as a memory.
// Short text and system noise never qualify. Beyond that, a strong
// capture pattern qualifies outright, and long text qualifies when at
// least two distinct entities are recognizable in it.
func CaptureWorthy(content string) bool {
	content = strings.TrimSpace(content)
	runes := len([]rune(content))
	if runes < minCaptureRunes {
		return false
	}
	for _, re := range systemNoise {
		if re.MatchString(content) {
			return false
		}
	}
	for _, re := range strongCapture {
		if re.MatchString(content) {
			return true
		}
	}
	if runes >= longCaptureRunes && entityCount(content) >= 2 {
		return true
	}
	return false
}

// entityCount counts distinct entities the regex extractor would pull
// from content. Extraction shares its patterns so the capture gate and
// the stored entities agree on what counts as one.
func entityCount(content string) int {
	extraction, err := RegexExtractor{}.Extract(context.Background(), content)
	if err != nil || extraction == nil {
		return 0
	}
	return len(extraction.Entities)
}
