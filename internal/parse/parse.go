// Package parse pulls structured artifacts out of free-form generator text.
package parse

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"facilitator/internal/domain"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\n?(.*?)```")

// ExtractJSON returns the JSON embedded in text: the body of a fenced code
// block, else the first balanced object or array, else text unchanged.
func ExtractJSON(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	if end := balancedEnd(text, start); end > start {
		return text[start : end+1]
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	if end := strings.LastIndexByte(text, closer); end > start {
		return text[start : end+1]
	}
	return text
}

// balancedEnd returns the index closing the bracket at start, honouring
// JSON strings, or -1.
func balancedEnd(text string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

const taskListSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title", "description"],
        "properties": {
          "title": {"type": "string", "pattern": "\\S"},
          "description": {"type": "string", "pattern": "\\S"}
        }
      }
    }
  }
}`

var taskSchema = mustCompile("task_list.json", taskListSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// stringList accepts either a JSON array of strings or a single string.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = splitLines(s)
		return nil
	}
	var items []any
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	*l = out
	return nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

type rawTask struct {
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	AcceptanceCriteria stringList `json:"acceptanceCriteria"`
	Dependencies       stringList `json:"dependencies"`
	Owner              *string    `json:"owner"`
	OwnerMemberID      *string    `json:"ownerMemberId"`
	SuggestedOwner     *string    `json:"suggestedOwner"`
	DueDate            *string    `json:"dueDate"`
	Effort             *string    `json:"effort"`
}

// TaskList parses a {"tasks":[...]} document. Every task needs a non-blank
// title and description; any violation rejects the whole list.
func TaskList(text string) ([]domain.TaskProposal, bool) {
	raw := []byte(ExtractJSON(text))
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	if err := taskSchema.Validate(doc); err != nil {
		return nil, false
	}
	var parsed struct {
		Tasks []rawTask `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false
	}
	tasks := make([]domain.TaskProposal, 0, len(parsed.Tasks))
	for _, rt := range parsed.Tasks {
		tasks = append(tasks, domain.TaskProposal{
			Title:              strings.TrimSpace(rt.Title),
			Description:        strings.TrimSpace(rt.Description),
			AcceptanceCriteria: rt.AcceptanceCriteria,
			Dependencies:       rt.Dependencies,
			Owner:              firstNonBlank(rt.Owner, rt.OwnerMemberID, rt.SuggestedOwner),
			DueDate:            firstNonBlank(rt.DueDate),
			Effort:             normalizeEffort(rt.Effort),
		})
	}
	return tasks, true
}

func firstNonBlank(vals ...*string) *string {
	for _, v := range vals {
		if v != nil && strings.TrimSpace(*v) != "" {
			s := strings.TrimSpace(*v)
			return &s
		}
	}
	return nil
}

func normalizeEffort(v *string) *string {
	if v == nil {
		return nil
	}
	var e string
	switch strings.ToUpper(strings.TrimSpace(*v)) {
	case "S", "SMALL":
		e = "S"
	case "M", "MEDIUM":
		e = "M"
	case "L", "LARGE":
		e = "L"
	default:
		return nil
	}
	return &e
}

// MaxMilestones caps how many milestones a draft keeps.
const MaxMilestones = 4

// Milestones parses {"milestones":[{"title","reasoning"}]} or a bare array.
func Milestones(text string) ([]domain.Milestone, bool) {
	raw := []byte(ExtractJSON(text))
	var list []domain.Milestone
	var wrapped struct {
		Milestones []domain.Milestone `json:"milestones"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Milestones) > 0 {
		list = wrapped.Milestones
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	out := make([]domain.Milestone, 0, len(list))
	for _, m := range list {
		m.Title = strings.TrimSpace(m.Title)
		m.Reasoning = strings.TrimSpace(m.Reasoning)
		if m.Title == "" {
			return nil, false
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, false
	}
	if len(out) > MaxMilestones {
		out = out[:MaxMilestones]
	}
	return out, true
}

// QAStep is the generator's next move during milestone Q&A.
type QAStep struct {
	Done     bool
	Question string
}

// Question parses {"done":true} or {"question":"..."}.
func Question(text string) (QAStep, bool) {
	var doc struct {
		Done     bool   `json:"done"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &doc); err != nil {
		return QAStep{}, false
	}
	if doc.Done {
		return QAStep{Done: true}, true
	}
	q := strings.TrimSpace(doc.Question)
	if q == "" {
		return QAStep{}, false
	}
	return QAStep{Question: q}, true
}

// Assignments parses {"assignments":[{"title","owner"}]} into title -> owner.
func Assignments(text string) (map[string]string, bool) {
	var doc struct {
		Assignments []struct {
			Title string `json:"title"`
			Owner string `json:"owner"`
		} `json:"assignments"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &doc); err != nil || len(doc.Assignments) == 0 {
		return nil, false
	}
	out := make(map[string]string, len(doc.Assignments))
	for _, a := range doc.Assignments {
		if strings.TrimSpace(a.Title) == "" || strings.TrimSpace(a.Owner) == "" {
			continue
		}
		out[strings.TrimSpace(a.Title)] = strings.TrimSpace(a.Owner)
	}
	return out, len(out) > 0
}
