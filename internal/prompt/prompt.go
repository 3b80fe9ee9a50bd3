// Package prompt renders phase instructions and room context for the generator.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/tiktoken-go/tokenizer"

	"facilitator/internal/domain"
)

//go:embed templates/*.tpl.md
var templateFS embed.FS

type Kind string

const (
	Kickoff        Kind = "kickoff"
	Skeleton       Kind = "skeleton"
	SkeletonRevise Kind = "skeleton_revise"
	QA             Kind = "qa"
	Normalize      Kind = "normalize"
	Repair         Kind = "repair"
	Assign         Kind = "assign"
	Review         Kind = "review"
)

// Shapes are the JSON documents the structured prompts ask for.
const (
	MilestoneShape  = `{"milestones":[{"title":"...","reasoning":"..."}]}`
	TaskListShape   = `{"tasks":[{"title":"...","description":"...","acceptanceCriteria":["..."],"dependencies":["..."],"owner":null,"dueDate":null,"effort":"S|M|L"}]}`
	QuestionShape   = `{"question":"..."} or {"done":true}`
	AssignmentShape = `{"assignments":[{"title":"...","owner":"..."}]}`
)

type Line struct {
	Speaker string
	Text    string
}

type QAPair struct {
	Question string
	Answer   string
}

type Contribution struct {
	MemberID string
	Name     string
	Text     string
}

type MemberRef struct {
	ID   string
	Name string
	Load int
}

// Context is everything a template may reference. Unused fields are ignored.
type Context struct {
	Room          string
	Week          int
	Members       []string
	MemberRefs    []MemberRef
	Conversation  []Line
	PriorReview   string
	Message       string
	Milestones    []domain.Milestone
	Feedback      []string
	QA            []QAPair
	Contributions []Contribution
	Tasks         []domain.TaskProposal
	Published     []string
	Completed     []string
	Stalled       []string
	Shape         string
	Raw           string
}

// Builder renders prompts, trimming the oldest conversation lines to stay
// within a token budget.
type Builder struct {
	tmpl   *template.Template
	codec  tokenizer.Codec
	Budget int
}

func New(budget int) (*Builder, error) {
	funcs := template.FuncMap{
		"join": strings.Join,
		"inc":  func(i int) int { return i + 1 },
	}
	tmpl, err := template.New("prompts").Funcs(funcs).ParseFS(templateFS, "templates/*.tpl.md")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("create tokenizer: %w", err)
	}
	return &Builder{tmpl: tmpl, codec: codec, Budget: budget}, nil
}

// Build renders the template for kind.
func (b *Builder) Build(kind Kind, c Context) (string, error) {
	c.Conversation = b.trim(c.Conversation)
	var buf bytes.Buffer
	if err := b.tmpl.ExecuteTemplate(&buf, string(kind)+".tpl.md", c); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", kind, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// RepairPrompt asks the generator to fix raw into shape.
func (b *Builder) RepairPrompt(shape, raw string) string {
	p, err := b.Build(Repair, Context{Shape: shape, Raw: raw})
	if err != nil {
		return "Return only valid JSON in this shape: " + shape + "\n\n" + raw
	}
	return p
}

// Tokens counts tokens with the GPT-4 encoding, estimating on error.
func (b *Builder) Tokens(text string) int {
	if b.codec == nil {
		return len(text) / 4
	}
	n, err := b.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// trim keeps the newest lines whose combined size fits the budget.
func (b *Builder) trim(lines []Line) []Line {
	if b.Budget <= 0 || len(lines) == 0 {
		return lines
	}
	used := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := b.Tokens(lines[i].Speaker+": "+lines[i].Text) + 1
		if used+n > b.Budget {
			break
		}
		used += n
		start = i
	}
	return lines[start:]
}
