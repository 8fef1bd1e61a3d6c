// Package ghpr opens and manages pull requests for healed runs. It is
// only active when GitHub integration is enabled and a token is
// configured; otherwise every operation is a no-op and runs keep
// prState=none.
package ghpr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/healops/internal/config"
	"github.com/fyrsmithlabs/healops/internal/metrics"
	"github.com/fyrsmithlabs/healops/internal/store"
)

// Outcome reports what the pull-request step did for one fixed attempt.
type Outcome struct {
	// Attempted is false when integration is disabled.
	Attempted  bool
	Skipped    bool
	SkipReason string
	Branch     string
	PRNumber   int
	PRURL      string
}

// Integrator talks to the GitHub API for proposal pull requests and
// human PR actions.
type Integrator struct {
	client     *github.Client
	baseBranch string
	enabled    bool
	retry      *RetryConfig
	logger     *zap.Logger
	now        func() time.Time
}

// New builds the integrator from configuration. Disabled integration or
// a missing token produces a functioning no-op integrator.
func New(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger) *Integrator {
	i := &Integrator{
		baseBranch: cfg.BaseBranch,
		logger:     logger.Named("ghpr"),
		now:        time.Now,
	}
	if !cfg.Enabled || !cfg.Token.IsSet() {
		return i
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	i.client = github.NewClient(oauth2.NewClient(ctx, ts))
	i.enabled = true
	return i
}

// NewWithClient wires a prepared GitHub client. Tests point it at a
// stub API server.
func NewWithClient(client *github.Client, baseBranch string, logger *zap.Logger) *Integrator {
	return &Integrator{
		client:     client,
		baseBranch: baseBranch,
		enabled:    true,
		logger:     logger.Named("ghpr"),
		now:        time.Now,
	}
}

// Enabled reports whether PR automation is active.
func (i *Integrator) Enabled() bool { return i.enabled }

// OpenPR creates a proposal branch, commits the proposal document, and
// opens a pull request against the run's branch. Before touching
// anything it re-reads the base branch head: if it no longer matches the
// run's commit the failure context is stale and the PR is skipped.
func (i *Integrator) OpenPR(ctx context.Context, run *store.Run, att *store.Attempt) (Outcome, error) {
	if !i.enabled {
		return Outcome{}, nil
	}

	owner, repo, err := splitRepository(run.Repository)
	if err != nil {
		return Outcome{Attempted: true}, err
	}
	base := run.Branch
	if base == "" {
		base = i.baseBranch
	}

	var baseRef *github.Reference
	if _, err := i.do(ctx, func() (*github.Response, error) {
		ref, resp, err := i.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
		baseRef = ref
		return resp, err
	}); err != nil {
		return Outcome{Attempted: true}, fmt.Errorf("failed to read base branch %s: %w", base, err)
	}

	headSHA := baseRef.GetObject().GetSHA()
	if headSHA != run.CommitSHA {
		reason := fmt.Sprintf("base branch %s moved to %.8s; run is pinned at %.8s", base, headSHA, run.CommitSHA)
		i.logger.Info("skipping pull request, stale failure context",
			zap.String("run_id", run.ID),
			zap.String("repository", run.Repository),
			zap.String("reason", reason))
		metrics.PRActions.WithLabelValues("skipped").Inc()
		return Outcome{Attempted: true, Skipped: true, SkipReason: reason}, nil
	}

	branch := i.branchName(run.ID, att.AttemptNo)
	if _, err := i.do(ctx, func() (*github.Response, error) {
		_, resp, err := i.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: github.String(headSHA)},
		})
		return resp, err
	}); err != nil {
		return Outcome{Attempted: true}, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}

	if err := i.commitProposal(ctx, owner, repo, branch, headSHA, run, att); err != nil {
		return Outcome{Attempted: true, Branch: branch}, err
	}

	var pr *github.PullRequest
	if _, err := i.do(ctx, func() (*github.Response, error) {
		created, resp, err := i.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title:               github.String(prTitle(run, att)),
			Head:                github.String(branch),
			Base:                github.String(base),
			Body:                github.String(prBody(run, att)),
			MaintainerCanModify: github.Bool(true),
		})
		pr = created
		return resp, err
	}); err != nil {
		return Outcome{Attempted: true, Branch: branch}, fmt.Errorf("failed to open pull request: %w", err)
	}

	i.logger.Info("pull request opened",
		zap.String("run_id", run.ID),
		zap.String("repository", run.Repository),
		zap.Int("pr_number", pr.GetNumber()))
	metrics.PRActions.WithLabelValues("opened").Inc()

	return Outcome{
		Attempted: true,
		Branch:    branch,
		PRNumber:  pr.GetNumber(),
		PRURL:     pr.GetHTMLURL(),
	}, nil
}

// Merge squash-merges the run's pull request when it is still open.
// Returns false when integration is disabled, no PR is linked, or the
// PR is no longer open.
func (i *Integrator) Merge(ctx context.Context, run *store.Run) (bool, error) {
	pr, owner, repo, err := i.openPullRequest(ctx, run)
	if err != nil || pr == nil {
		return false, err
	}

	if _, err := i.do(ctx, func() (*github.Response, error) {
		_, resp, err := i.client.PullRequests.Merge(ctx, owner, repo, run.PRNumber,
			"Approved automated fix proposal", &github.PullRequestOptions{MergeMethod: "squash"})
		return resp, err
	}); err != nil {
		return false, fmt.Errorf("failed to merge pull request #%d: %w", run.PRNumber, err)
	}

	metrics.PRActions.WithLabelValues("merged").Inc()
	return true, nil
}

// ClosePR closes the run's pull request when it is still open.
func (i *Integrator) ClosePR(ctx context.Context, run *store.Run) (bool, error) {
	pr, owner, repo, err := i.openPullRequest(ctx, run)
	if err != nil || pr == nil {
		return false, err
	}

	if _, err := i.do(ctx, func() (*github.Response, error) {
		_, resp, err := i.client.PullRequests.Edit(ctx, owner, repo, run.PRNumber, &github.PullRequest{
			State: github.String("closed"),
		})
		return resp, err
	}); err != nil {
		return false, fmt.Errorf("failed to close pull request #%d: %w", run.PRNumber, err)
	}

	metrics.PRActions.WithLabelValues("closed").Inc()
	return true, nil
}

// openPullRequest fetches the run's PR and returns it only while open.
func (i *Integrator) openPullRequest(ctx context.Context, run *store.Run) (*github.PullRequest, string, string, error) {
	if !i.enabled || run.PRNumber == 0 {
		return nil, "", "", nil
	}
	owner, repo, err := splitRepository(run.Repository)
	if err != nil {
		return nil, "", "", err
	}

	var pr *github.PullRequest
	if _, err := i.do(ctx, func() (*github.Response, error) {
		got, resp, err := i.client.PullRequests.Get(ctx, owner, repo, run.PRNumber)
		pr = got
		return resp, err
	}); err != nil {
		return nil, "", "", fmt.Errorf("failed to read pull request #%d: %w", run.PRNumber, err)
	}

	if pr.GetState() != "open" {
		i.logger.Debug("pull request no longer open",
			zap.String("run_id", run.ID),
			zap.Int("pr_number", run.PRNumber),
			zap.String("state", pr.GetState()))
		return nil, "", "", nil
	}
	return pr, owner, repo, nil
}

// commitProposal writes the proposal document onto branch through the
// Git data API: blob, tree on the parent commit's tree, commit, then
// ref advance.
func (i *Integrator) commitProposal(ctx context.Context, owner, repo, branch, parentSHA string, run *store.Run, att *store.Attempt) error {
	path := fmt.Sprintf(".healops/proposals/%s-attempt-%d.md", shortID(run.ID), att.AttemptNo)

	var blob *github.Blob
	if _, err := i.do(ctx, func() (*github.Response, error) {
		created, resp, err := i.client.Git.CreateBlob(ctx, owner, repo, &github.Blob{
			Content:  github.String(proposalDocument(run, att)),
			Encoding: github.String("utf-8"),
		})
		blob = created
		return resp, err
	}); err != nil {
		return fmt.Errorf("failed to create proposal blob: %w", err)
	}

	var parent *github.Commit
	if _, err := i.do(ctx, func() (*github.Response, error) {
		c, resp, err := i.client.Git.GetCommit(ctx, owner, repo, parentSHA)
		parent = c
		return resp, err
	}); err != nil {
		return fmt.Errorf("failed to read parent commit: %w", err)
	}

	var tree *github.Tree
	if _, err := i.do(ctx, func() (*github.Response, error) {
		created, resp, err := i.client.Git.CreateTree(ctx, owner, repo, parent.GetTree().GetSHA(), []*github.TreeEntry{{
			Path: github.String(path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		}})
		tree = created
		return resp, err
	}); err != nil {
		return fmt.Errorf("failed to create proposal tree: %w", err)
	}

	var commit *github.Commit
	if _, err := i.do(ctx, func() (*github.Response, error) {
		created, resp, err := i.client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
			Message: github.String(fmt.Sprintf("Add fix proposal for attempt %d", att.AttemptNo)),
			Tree:    tree,
			Parents: []*github.Commit{{SHA: github.String(parentSHA)}},
		}, nil)
		commit = created
		return resp, err
	}); err != nil {
		return fmt.Errorf("failed to create proposal commit: %w", err)
	}

	if _, err := i.do(ctx, func() (*github.Response, error) {
		_, resp, err := i.client.Git.UpdateRef(ctx, owner, repo, &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: commit.SHA},
		}, false)
		return resp, err
	}); err != nil {
		return fmt.Errorf("failed to advance branch %s: %w", branch, err)
	}

	return nil
}

func (i *Integrator) do(ctx context.Context, op func() (*github.Response, error)) (*github.Response, error) {
	return retryOperation(ctx, i.logger, i.retry, op)
}

func (i *Integrator) branchName(runID string, attemptNo int) string {
	return fmt.Sprintf("healops/%s-a%d-%d", shortID(runID), attemptNo, i.now().Unix())
}

func prTitle(run *store.Run, att *store.Attempt) string {
	return fmt.Sprintf("[healops] Fix proposal for %s (attempt %d)", run.Repository, att.AttemptNo)
}

func prBody(run *store.Run, att *store.Attempt) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Automated fix proposal for a CI failure on `%s` at `%.8s`.\n\n", run.Branch, run.CommitSHA))
	b.WriteString("### Error summary\n\n```\n")
	b.WriteString(run.ErrorSummary)
	b.WriteString("\n```\n\n### Diagnosis\n\n")
	b.WriteString(att.Diagnosis)
	b.WriteString("\n\n### Proposed fix\n\n")
	b.WriteString(att.ProposedFix)
	b.WriteString("\n\n---\n")
	b.WriteString(fmt.Sprintf("Opened by healops for run `%s`, attempt %d of %d. Review before merging.\n",
		run.ID, att.AttemptNo, run.MaxAttempts))
	return b.String()
}

// proposalDocument is the Markdown file committed onto the proposal
// branch.
func proposalDocument(run *store.Run, att *store.Attempt) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Fix proposal: %s\n\n", run.Repository))
	b.WriteString(fmt.Sprintf("- Run: `%s`\n", run.ID))
	b.WriteString(fmt.Sprintf("- Attempt: %d of %d\n", att.AttemptNo, run.MaxAttempts))
	b.WriteString(fmt.Sprintf("- Branch: `%s`\n", run.Branch))
	b.WriteString(fmt.Sprintf("- Commit: `%s`\n", run.CommitSHA))
	if run.PipelineURL != "" {
		b.WriteString(fmt.Sprintf("- Pipeline: %s\n", run.PipelineURL))
	}

	b.WriteString("\n## Error summary\n\n```\n")
	b.WriteString(run.ErrorSummary)
	b.WriteString("\n```\n\n## Diagnosis\n\n")
	b.WriteString(att.Diagnosis)
	b.WriteString("\n\n## Proposed fix\n\n")
	b.WriteString(att.ProposedFix)
	if att.ValidationLog != "" {
		b.WriteString("\n\n## Validation\n\n```\n")
		b.WriteString(att.ValidationLog)
		b.WriteString("\n```")
	}
	b.WriteString("\n")
	return b.String()
}

func splitRepository(full string) (string, string, error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("repository %q is not in owner/repo form", full)
	}
	return owner, repo, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
