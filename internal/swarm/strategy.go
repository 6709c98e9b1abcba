// Package swarm coordinates multi-agent work over the hive: it turns a
// task into an epic decomposition, spawns workers behind file
// reservations, drives the review state machine, and records every
// coordinator choice as a decision trace.
package swarm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Decomposition strategies. Research-based shares the feature pipeline
// and differs only in prompt guidance.
const (
	StrategyFileBased     = "file-based"
	StrategyFeatureBased  = "feature-based"
	StrategyRiskBased     = "risk-based"
	StrategyResearchBased = "research-based"
)

// strategyOrder is the fixed tie-break: when scores are equal the
// earlier strategy wins.
var strategyOrder = []string{
	StrategyFileBased,
	StrategyRiskBased,
	StrategyFeatureBased,
	StrategyResearchBased,
}

type weightedTerm struct {
	term   string
	weight int
}

// strategyTerms scores one presence hit per term against the task's
// token set. Weights rank how strongly a term commits to the strategy.
var strategyTerms = map[string][]weightedTerm{
	StrategyFileBased: {
		{"refactor", 3}, {"rename", 3}, {"restructure", 3}, {"codemod", 3},
		{"migrate", 2}, {"move", 2}, {"split", 2}, {"extract", 2},
		{"cleanup", 2}, {"lint", 2}, {"imports", 1}, {"format", 1},
	},
	StrategyRiskBased: {
		{"auth", 3}, {"authentication", 3}, {"security", 3}, {"payment", 3},
		{"encryption", 3}, {"credential", 3}, {"credentials", 3}, {"vulnerability", 3},
		{"billing", 2}, {"secret", 2}, {"secrets", 2}, {"token", 2},
		{"permission", 2}, {"permissions", 2}, {"injection", 2}, {"incident", 2},
		{"production", 1},
	},
	StrategyFeatureBased: {
		{"feature", 3}, {"implement", 2}, {"build", 2}, {"endpoint", 2},
		{"api", 2}, {"ui", 2}, {"component", 2}, {"integration", 2},
		{"workflow", 2}, {"dashboard", 2}, {"add", 1}, {"page", 1},
		{"support", 1},
	},
	StrategyResearchBased: {
		{"research", 3}, {"investigate", 3}, {"explore", 3}, {"spike", 3},
		{"feasibility", 3}, {"evaluate", 2}, {"compare", 2}, {"prototype", 2},
		{"benchmark", 2}, {"unknown", 1}, {"options", 1},
	},
}

// StrategyScore is one strategy with its normalized share of the total
// keyword weight.
type StrategyScore struct {
	Strategy string  `json:"strategy"`
	Score    float64 `json:"score"`
}

// StrategyChoice is the winning strategy plus the two runners-up.
type StrategyChoice struct {
	Strategy     string          `json:"strategy"`
	Confidence   float64         `json:"confidence"`
	Alternatives []StrategyScore `json:"alternatives"`
}

// SelectStrategy scores the task text against the keyword table and
// returns the best strategy with normalized confidence. A text that
// hits no keywords falls back to feature-based with zero confidence.
func SelectStrategy(task string) StrategyChoice {
	tokens := tokenize(task)

	scores := make(map[string]int, len(strategyTerms))
	total := 0
	for strategy, terms := range strategyTerms {
		for _, t := range terms {
			if tokens[t.term] {
				scores[strategy] += t.weight
				total += t.weight
			}
		}
	}

	winner := StrategyFeatureBased
	if total > 0 {
		winner = strategyOrder[0]
		for _, s := range strategyOrder[1:] {
			if scores[s] > scores[winner] {
				winner = s
			}
		}
	}

	choice := StrategyChoice{Strategy: winner}
	if total > 0 {
		choice.Confidence = float64(scores[winner]) / float64(total)
	}
	for _, s := range rankedAfter(winner, scores) {
		alt := StrategyScore{Strategy: s}
		if total > 0 {
			alt.Score = float64(scores[s]) / float64(total)
		}
		choice.Alternatives = append(choice.Alternatives, alt)
		if len(choice.Alternatives) == 2 {
			break
		}
	}
	return choice
}

// rankedAfter lists the remaining strategies by descending score, ties
// in fixed order.
func rankedAfter(winner string, scores map[string]int) []string {
	rest := make([]string, 0, len(strategyOrder)-1)
	for _, s := range strategyOrder {
		if s != winner {
			rest = append(rest, s)
		}
	}
	for i := 1; i < len(rest); i++ {
		for j := i; j > 0 && scores[rest[j]] > scores[rest[j-1]]; j-- {
			rest[j], rest[j-1] = rest[j-1], rest[j]
		}
	}
	return rest
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[tok] = true
	}
	return tokens
}

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s string) bool {
	_, ok := strategyTerms[s]
	return ok
}

// SubtaskPlan is one planned subtask as emitted by the planner. Files
// lists the paths the subtask owns exclusively; DependsOn holds indices
// into the plan's subtask array and must point strictly backward.
type SubtaskPlan struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
	DependsOn   []int    `json:"depends_on,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
}

// Decomposition is a parsed plan: one epic and its subtasks.
type Decomposition struct {
	EpicTitle       string        `json:"epic_title"`
	EpicDescription string        `json:"epic_description,omitempty"`
	Strategy        string        `json:"strategy,omitempty"`
	Subtasks        []SubtaskPlan `json:"subtasks"`
}

// ParseDecomposition decodes planner output, tolerating a markdown code
// fence around the JSON, and validates the result.
func ParseDecomposition(raw []byte) (*Decomposition, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var d Decomposition
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return nil, &swarmerr.ValidationError{
			Op: "swarm.plan", Msg: fmt.Sprintf("invalid decomposition JSON: %v", err),
		}
	}
	if err := ValidateDecomposition(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ValidateDecomposition enforces the plan rules: at least two subtasks,
// non-empty titles, exclusive file ownership across subtasks, and
// dependency indices that point strictly backward into the array.
func ValidateDecomposition(d *Decomposition) error {
	var issues []string
	if len(d.Subtasks) < 2 {
		issues = append(issues,
			fmt.Sprintf("decomposition needs at least 2 subtasks, got %d", len(d.Subtasks)))
	}
	if d.Strategy != "" && !ValidStrategy(d.Strategy) {
		issues = append(issues, fmt.Sprintf("unknown strategy %q", d.Strategy))
	}

	owner := make(map[string]int)
	for i, st := range d.Subtasks {
		if strings.TrimSpace(st.Title) == "" {
			issues = append(issues, fmt.Sprintf("empty title at index %d", i))
		}
		for _, f := range st.Files {
			if prev, taken := owner[f]; taken && prev != i {
				issues = append(issues, fmt.Sprintf("file conflict: %s", f))
				continue
			}
			owner[f] = i
		}
		for _, dep := range st.DependsOn {
			if dep < 0 || dep >= len(d.Subtasks) {
				issues = append(issues,
					fmt.Sprintf("dependency index out of range at index %d", i))
				continue
			}
			if dep >= i {
				issues = append(issues, fmt.Sprintf("forward dependency at index %d", i))
			}
		}
	}

	if len(issues) > 0 {
		return &swarmerr.ValidationError{
			Op: "swarm.validate", Msg: "invalid decomposition", Issues: issues,
		}
	}
	return nil
}

// strategyGuidance is the per-strategy planning instruction embedded in
// the prompt.
var strategyGuidance = map[string]string{
	StrategyFileBased: "Partition by file and directory boundaries. Each subtask owns " +
		"a disjoint set of paths; mechanical changes that repeat across files belong together.",
	StrategyRiskBased: "Isolate the risky surface first. Security, auth, and payment " +
		"paths get their own small, reviewable subtasks; everything routine goes in bulk subtasks.",
	StrategyFeatureBased: "Split along user-visible capabilities. Each subtask delivers " +
		"one coherent behavior end to end, including its tests.",
	StrategyResearchBased: "Frame subtasks as questions to answer. Each subtask produces " +
		"findings and a recommendation rather than code; keep prototypes disposable.",
}

// PlanRequest shapes a planning prompt. An empty Strategy selects one
// from the task text.
type PlanRequest struct {
	Task      string
	Strategy  string
	Context   string
	UseMemory bool
}

// PlanPrompt renders the planning prompt for the coordinator LLM. Pure:
// no IO, no state. The prompt demands strict JSON matching
// Decomposition so ParseDecomposition can consume the reply.
func PlanPrompt(req PlanRequest) (string, error) {
	if strings.TrimSpace(req.Task) == "" {
		return "", &swarmerr.ValidationError{Op: "swarm.plan", Msg: "task is required"}
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = SelectStrategy(req.Task).Strategy
	} else if !ValidStrategy(strategy) {
		return "", &swarmerr.ValidationError{
			Op: "swarm.plan", Msg: fmt.Sprintf("unknown strategy %q", strategy),
		}
	}

	var b strings.Builder
	b.WriteString("You are a swarm coordinator. Decompose the task below into subtasks ")
	b.WriteString("that independent worker agents can execute in parallel.\n\n")
	fmt.Fprintf(&b, "Task: %s\n\n", strings.TrimSpace(req.Task))
	fmt.Fprintf(&b, "Strategy: %s. %s\n", strategy, strategyGuidance[strategy])
	if req.Context != "" {
		fmt.Fprintf(&b, "\nShared context:\n%s\n", strings.TrimSpace(req.Context))
	}
	if req.UseMemory {
		b.WriteString("\nConsult semantic memory for prior decisions and known pitfalls " +
			"in this area before decomposing, and fold what applies into the plan.\n")
	}
	b.WriteString(`
Respond with a single JSON object and nothing else:

{
  "epic_title": "...",
  "epic_description": "...",
  "strategy": "` + strategy + `",
  "subtasks": [
    {"title": "...", "description": "...", "files": ["path"], "depends_on": [], "priority": 2}
  ]
}

Rules:
- at least 2 subtasks
- every subtask has a non-empty title
- no file path appears in more than one subtask
- depends_on holds indices into subtasks and must point strictly backward
`)
	return b.String(), nil
}
