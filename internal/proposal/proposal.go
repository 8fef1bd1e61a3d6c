// Package proposal turns a failing run into an AI fix proposal.
//
// Generation is one chat-completion call augmented with similar past fixes
// from the memory corpus. The response is parsed into Diagnosis, Fix, and
// Validation sections; provider failures never surface as errors, they
// produce a failed proposal with a fallback fix so the retry policy stays in
// charge.
package proposal

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healops/internal/llm"
	"github.com/fyrsmithlabs/healops/internal/memory"
)

const instrumentationName = "github.com/fyrsmithlabs/healops/internal/proposal"

const (
	// sectionLimit caps each parsed section.
	sectionLimit = 3000

	// rawFallbackLimit caps the raw-content fallback for absent sections.
	rawFallbackLimit = 800

	// minSectionLength is the success bar for diagnosis and fix.
	minSectionLength = 10

	noMatchesText = "No similar fixes found"

	safeModeNote = "\n\nNote: safe mode enabled - no code was pushed automatically; apply this fix through the pull request."

	systemPrompt = "You are a senior CI debugging assistant. Diagnose the failure " +
		"and produce a fix strategy with a concrete patch snippet. Respond with " +
		"sections labeled exactly \"Diagnosis:\", \"Fix:\", and \"Validation:\"."
)

// sectionEndRe finds the next capitalized label that terminates a section.
var sectionEndRe = regexp.MustCompile(`(?m)^[A-Z][A-Za-z ]*:`)

// Input describes the failing run an attempt is trying to fix.
type Input struct {
	RunID        string
	Repository   string
	Branch       string
	CommitSHA    string
	AttemptNo    int
	ErrorSummary string
}

// Proposal is the parsed outcome of one generation call.
type Proposal struct {
	Success       bool
	Diagnosis     string
	ProposedFix   string
	Validation    string
	FailureReason string
	Matches       []memory.Match
}

// Retriever surfaces similar past fixes. *memory.Service satisfies it.
type Retriever interface {
	SimilarFixes(ctx context.Context, query string) ([]memory.Match, error)
}

// Generator produces fix proposals.
type Generator struct {
	llm       llm.Client
	retriever Retriever
	safeMode  bool
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewGenerator builds a Generator. retriever may be nil when no memory
// corpus is configured.
func NewGenerator(client llm.Client, retriever Retriever, safeMode bool, logger *zap.Logger) *Generator {
	return &Generator{
		llm:       client,
		retriever: retriever,
		safeMode:  safeMode,
		logger:    logger.Named("proposal"),
		tracer:    otel.Tracer(instrumentationName),
	}
}

// Generate runs retrieval and one completion call, then parses the result.
// It never returns an error: provider failures become failed proposals.
func (g *Generator) Generate(ctx context.Context, in Input) Proposal {
	ctx, span := g.tracer.Start(ctx, "proposal.generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("run_id", in.RunID),
		attribute.Int("attempt_no", in.AttemptNo),
	)

	matches := g.similarFixes(ctx, in.ErrorSummary)
	span.SetAttributes(attribute.Int("matches", len(matches)))

	content, err := g.llm.Complete(ctx, systemPrompt, userPrompt(in, matches))
	if err != nil {
		span.RecordError(err)
		g.logger.Warn("provider call failed",
			zap.String("run_id", in.RunID),
			zap.Error(err),
		)
		return Proposal{
			Success:       false,
			Diagnosis:     "AI provider unavailable; manual engineer review required.",
			ProposedFix:   "Fallback: require manual engineer review",
			FailureReason: err.Error(),
			Matches:       matches,
		}
	}

	p := parse(content)
	p.Matches = matches
	if !p.Success {
		p.FailureReason = "AI response lacked a usable diagnosis or fix"
	}
	if g.safeMode && p.ProposedFix != "" {
		p.ProposedFix += safeModeNote
	}
	return p
}

func (g *Generator) similarFixes(ctx context.Context, query string) []memory.Match {
	if g.retriever == nil {
		return nil
	}
	matches, err := g.retriever.SimilarFixes(ctx, query)
	if err != nil {
		g.logger.Warn("similar-fix retrieval failed", zap.Error(err))
		return nil
	}
	return matches
}

// FormatMatches renders retrieval matches for the prompt, insights, and the
// reasoning-trace events.
func FormatMatches(matches []memory.Match) string {
	if len(matches) == 0 {
		return noMatchesText
	}
	lines := make([]string, len(matches))
	for i, m := range matches {
		lines[i] = fmt.Sprintf("%s score=%.2f :: %s", m.Title, m.Score, m.Snippet)
	}
	return strings.Join(lines, "\n")
}

func userPrompt(in Input, matches []memory.Match) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", in.Repository)
	fmt.Fprintf(&b, "Branch: %s\n", in.Branch)
	fmt.Fprintf(&b, "Commit: %s\n", in.CommitSHA)
	fmt.Fprintf(&b, "Attempt: %d\n\n", in.AttemptNo)
	fmt.Fprintf(&b, "Error summary:\n%s\n\n", in.ErrorSummary)
	fmt.Fprintf(&b, "Similar past fixes:\n%s\n", FormatMatches(matches))
	return b.String()
}

// parse extracts the labeled sections and applies the success predicate.
func parse(content string) Proposal {
	diagnosis := extractSection(content, "Diagnosis:")
	fix := extractSection(content, "Fix:")
	validation := extractSection(content, "Validation:")

	// Absent sections fall back to raw content for diagnosis and fix;
	// validation stays empty.
	if diagnosis == "" {
		diagnosis = truncate(strings.TrimSpace(content), rawFallbackLimit)
	}
	if fix == "" {
		fix = truncate(strings.TrimSpace(content), rawFallbackLimit)
	}

	return Proposal{
		Success:     len(diagnosis) > minSectionLength && len(fix) > minSectionLength,
		Diagnosis:   diagnosis,
		ProposedFix: fix,
		Validation:  validation,
	}
}

// extractSection returns the text from the label to the next capitalized
// label or the end of content, trimmed and capped.
func extractSection(content, label string) string {
	idx := strings.Index(content, label)
	if idx < 0 {
		return ""
	}
	rest := content[idx+len(label):]
	if loc := sectionEndRe.FindStringIndex(rest); loc != nil {
		rest = rest[:loc[0]]
	}
	return truncate(strings.TrimSpace(rest), sectionLimit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
