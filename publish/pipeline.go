package publish

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/enskill/enskill-server/internal/config"
	"github.com/enskill/enskill-server/internal/gh"
)

const (
	branchPrefix      = "enskill"
	branchStampLayout = "20060102150405" // 14-digit UTC timestamp
	branchSuffixBytes = 3                // 6 hex chars, 24 bits
	fileMode          = "100644"
)

// Minter mints the write credential a publish runs under.
type Minter interface {
	MintInstallationToken(ctx context.Context, owner, repo string) (string, error)
}

// Result identifies the pull request a publish produced.
type Result struct {
	PullRequestURL    string `json:"pullRequestUrl"`
	PullRequestNumber int    `json:"pullRequestNumber"`
	BranchName        string `json:"branchName"`
}

// Pipeline executes the Git Data orchestration: base ref, base tree, blobs,
// tree, commit, branch, pull request. It holds no mutable state between
// publishes.
type Pipeline struct {
	minter        Minter
	apiBaseURL    string
	skillsRootDir string
	nowTime       func() time.Time
}

// PipelineOption modifies a Pipeline instance.
type PipelineOption func(*Pipeline)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.nowTime = nowFunc
	}
}

// NewPipeline initializes a publish pipeline.
func NewPipeline(minter Minter, cfg *config.Config, options ...PipelineOption) (*Pipeline, error) {
	if minter == nil {
		return nil, errors.New("[NewPipeline] minter is required")
	}
	if cfg.SkillsRootDir == "" {
		return nil, errors.New("[NewPipeline] skills root directory is required")
	}

	pipeline := &Pipeline{
		minter:        minter,
		apiBaseURL:    cfg.GitHubAPIBaseURL,
		skillsRootDir: cfg.SkillsRootDir,
		nowTime:       time.Now,
	}
	for _, opt := range options {
		opt(pipeline)
	}
	return pipeline, nil
}

// Publish authors one commit containing the skill's files on a fresh branch
// of the registry repository and opens a pull request into the base branch.
//
// Nothing is rolled back on partial failure: blobs, trees and commits are
// content-addressed and inert until referenced, so an aborted run leaves at
// most unreferenced objects. If the branch is created but the pull request
// fails, the orphaned branch is named in the returned error.
func (p *Pipeline) Publish(ctx context.Context, req *PublishRequest, submittedBy string) (*Result, error) {
	token, err := p.minter.MintInstallationToken(ctx, req.Owner, req.Repo)
	if err != nil {
		return nil, err
	}

	client, err := gh.NewClient(token, p.apiBaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "[Pipeline.Publish] build client")
	}

	// Step 1: the base branch's current commit.
	var baseRef *github.Reference
	err = gh.Retry(ctx, func() error {
		var resp *github.Response
		var apiErr error
		baseRef, resp, apiErr = client.Git.GetRef(ctx, req.Owner, req.Repo, "heads/"+req.BaseBranch)
		return gh.WrapAPIError("resolve base ref", resp, apiErr)
	})
	if err != nil {
		return nil, err
	}
	baseCommitSHA := baseRef.GetObject().GetSHA()
	if baseCommitSHA == "" {
		return nil, errors.New("[Pipeline.Publish] could not resolve base branch SHA")
	}

	// Step 2: that commit's tree.
	var baseCommit *github.Commit
	err = gh.Retry(ctx, func() error {
		var resp *github.Response
		var apiErr error
		baseCommit, resp, apiErr = client.Git.GetCommit(ctx, req.Owner, req.Repo, baseCommitSHA)
		return gh.WrapAPIError("resolve base commit", resp, apiErr)
	})
	if err != nil {
		return nil, err
	}
	baseTreeSHA := baseCommit.GetTree().GetSHA()
	if baseTreeSHA == "" {
		return nil, errors.New("[Pipeline.Publish] could not resolve base tree SHA")
	}

	// Step 3: one blob per file, created concurrently. Each result only
	// maps a path to a SHA, so completion order is irrelevant.
	entries := make([]*github.TreeEntry, len(req.Files))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, file := range req.Files {
		group.Go(func() error {
			var blob *github.Blob
			err := gh.Retry(groupCtx, func() error {
				var resp *github.Response
				var apiErr error
				blob, resp, apiErr = client.Git.CreateBlob(groupCtx, req.Owner, req.Repo, &github.Blob{
					Content:  github.Ptr(base64.StdEncoding.EncodeToString(file.Content)),
					Encoding: github.Ptr("base64"),
				})
				return gh.WrapAPIError("create blob", resp, apiErr)
			})
			if err != nil {
				return err
			}
			entries[i] = &github.TreeEntry{
				Path: github.Ptr(p.TargetPath(req.SkillName, file.Path)),
				Mode: github.Ptr(fileMode),
				Type: github.Ptr("blob"),
				SHA:  github.Ptr(blob.GetSHA()),
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	// Step 4: layer the new entries over the base tree. Untouched paths are
	// preserved by GitHub's tree-merge semantics.
	var newTree *github.Tree
	err = gh.Retry(ctx, func() error {
		var resp *github.Response
		var apiErr error
		newTree, resp, apiErr = client.Git.CreateTree(ctx, req.Owner, req.Repo, baseTreeSHA, entries)
		return gh.WrapAPIError("create tree", resp, apiErr)
	})
	if err != nil {
		return nil, err
	}

	// Step 5: the commit.
	var newCommit *github.Commit
	err = gh.Retry(ctx, func() error {
		var resp *github.Response
		var apiErr error
		newCommit, resp, apiErr = client.Git.CreateCommit(ctx, req.Owner, req.Repo, &github.Commit{
			Message: github.Ptr(fmt.Sprintf("feat(registry): publish skill %s", req.SkillName)),
			Tree:    newTree,
			Parents: []*github.Commit{{SHA: github.Ptr(baseCommitSHA)}},
		}, nil)
		return gh.WrapAPIError("create commit", resp, apiErr)
	})
	if err != nil {
		return nil, err
	}

	// Step 6: the branch. Not retried: a retry would need a freshly derived
	// name to avoid duplicate refs.
	branchName, err := p.branchName(req.SkillName)
	if err != nil {
		return nil, err
	}
	_, resp, err := client.Git.CreateRef(ctx, req.Owner, req.Repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branchName),
		Object: &github.GitObject{SHA: github.Ptr(newCommit.GetSHA())},
	})
	if err != nil {
		return nil, gh.WrapAPIError("create branch ref", resp, err)
	}

	// Step 7: the pull request. Not retried; on failure the branch stays
	// behind with no open PR, which the caller must be told about.
	pr, resp, err := client.PullRequests.Create(ctx, req.Owner, req.Repo, &github.NewPullRequest{
		Title: github.Ptr(fmt.Sprintf("Add skill: %s", req.SkillName)),
		Head:  github.Ptr(branchName),
		Base:  github.Ptr(req.BaseBranch),
		Body:  github.Ptr(p.pullRequestBody(req.SkillName, submittedBy)),
	})
	if err != nil {
		wrapped := gh.WrapAPIError("create pull request", resp, err)
		return nil, errors.Wrapf(wrapped, "branch %q was created but has no open pull request", branchName)
	}

	return &Result{
		PullRequestURL:    pr.GetHTMLURL(),
		PullRequestNumber: pr.GetNumber(),
		BranchName:        branchName,
	}, nil
}

// TargetPath is the repository path a skill file lands at. External tooling
// depends on this exact formula.
func (p *Pipeline) TargetPath(skillName, relativePath string) string {
	return p.skillsRootDir + "/" + skillName + "/" + relativePath
}

// branchName derives a deterministic-but-unique branch name: a UTC
// timestamp plus a random suffix wide enough that two publishes of the same
// skill within one second won't collide in practice.
func (p *Pipeline) branchName(skillName string) (string, error) {
	suffix := make([]byte, branchSuffixBytes)
	if _, err := rand.Read(suffix); err != nil {
		return "", errors.Wrap(err, "[Pipeline.branchName] random suffix")
	}
	stamp := p.nowTime().UTC().Format(branchStampLayout)
	return fmt.Sprintf("%s/%s/%s-%s", branchPrefix, skillName, stamp, hex.EncodeToString(suffix)), nil
}

func (p *Pipeline) pullRequestBody(skillName, submittedBy string) string {
	return fmt.Sprintf(
		"Submitted via enskill by @%s.\n\nSkill: `%s`\nPath: `%s/%s`",
		submittedBy, skillName, p.skillsRootDir, skillName,
	)
}
