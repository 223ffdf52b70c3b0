package publish_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/enskill/enskill-server/internal/apperrors"
	"github.com/enskill/enskill-server/internal/config"
	"github.com/enskill/enskill-server/publish"
)

var branchNamePattern = regexp.MustCompile(`^enskill/demo/\d{14}-[0-9a-f]{6}$`)

type fakeMinter struct {
	token string
}

func (m *fakeMinter) MintInstallationToken(ctx context.Context, owner, repo string) (string, error) {
	return m.token, nil
}

// fakeGitBackend mocks the handful of Git Data and pull request endpoints
// the pipeline drives, recording what it was asked to create.
type fakeGitBackend struct {
	mu sync.Mutex

	blobBodies   []map[string]string
	treeRequest  map[string]json.RawMessage
	commitBody   map[string]json.RawMessage
	refBody      map[string]string
	pullBody     map[string]string
	failTrees    bool
	failPulls    bool
	blobsCreated int
}

func (b *fakeGitBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /repos/octo/registry/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]string{"sha": "base-commit-sha", "type": "commit"},
		})
	})

	mux.HandleFunc("GET /repos/octo/registry/git/commits/base-commit-sha", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{
			"sha":  "base-commit-sha",
			"tree": map[string]string{"sha": "base-tree-sha"},
		})
	})

	mux.HandleFunc("POST /repos/octo/registry/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		b.mu.Lock()
		b.blobBodies = append(b.blobBodies, body)
		b.blobsCreated++
		n := b.blobsCreated
		b.mu.Unlock()
		writeBody(w, http.StatusCreated, map[string]any{"sha": blobSHA(n)})
	})

	mux.HandleFunc("POST /repos/octo/registry/git/trees", func(w http.ResponseWriter, r *http.Request) {
		if b.failTrees {
			writeBody(w, http.StatusUnprocessableEntity, map[string]string{"message": "tree could not be created"})
			return
		}
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		b.mu.Lock()
		b.treeRequest = body
		b.mu.Unlock()
		writeBody(w, http.StatusCreated, map[string]any{"sha": "new-tree-sha"})
	})

	mux.HandleFunc("POST /repos/octo/registry/git/commits", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		b.mu.Lock()
		b.commitBody = body
		b.mu.Unlock()
		writeBody(w, http.StatusCreated, map[string]any{"sha": "new-commit-sha"})
	})

	mux.HandleFunc("POST /repos/octo/registry/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		b.mu.Lock()
		b.refBody = body
		b.mu.Unlock()
		writeBody(w, http.StatusCreated, map[string]any{"ref": body["ref"]})
	})

	mux.HandleFunc("POST /repos/octo/registry/pulls", func(w http.ResponseWriter, r *http.Request) {
		if b.failPulls {
			writeBody(w, http.StatusUnprocessableEntity, map[string]string{"message": "validation failed"})
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		b.mu.Lock()
		b.pullBody = body
		b.mu.Unlock()
		writeBody(w, http.StatusCreated, map[string]any{
			"number":   7,
			"html_url": "https://github.com/octo/registry/pull/7",
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func blobSHA(n int) string {
	return fmt.Sprintf("blob-sha-%03d", n)
}

func newTestPipeline(t *testing.T, apiBaseURL string) *publish.Pipeline {
	t.Helper()
	pipeline, err := publish.NewPipeline(
		&fakeMinter{token: "ghs_install"},
		&config.Config{GitHubAPIBaseURL: apiBaseURL, SkillsRootDir: "skills"},
		publish.WithNowTime(func() time.Time {
			return time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
		}),
	)
	require.NoError(t, err)
	return pipeline
}

func demoRequest() *publish.PublishRequest {
	return &publish.PublishRequest{
		Owner:      "octo",
		Repo:       "registry",
		BaseBranch: "main",
		SkillName:  "demo",
		Files: []publish.SkillFile{
			{Path: "SKILL.md", Content: []byte("# Demo")},
			{Path: "reference/notes.md", Content: []byte("notes")},
		},
	}
}

func TestPipeline_TargetPath(t *testing.T) {
	pipeline := newTestPipeline(t, "https://api.github.com")
	require.Equal(t, "skills/demo/notes.md", pipeline.TargetPath("demo", "notes.md"))
	require.Equal(t, "skills/demo/reference/guide.md", pipeline.TargetPath("demo", "reference/guide.md"))
}

func TestPipeline_Publish(t *testing.T) {
	backend := &fakeGitBackend{}
	server := backend.server(t)
	pipeline := newTestPipeline(t, server.URL)

	result, err := pipeline.Publish(context.Background(), demoRequest(), "alice")
	require.NoError(t, err)

	require.Equal(t, "https://github.com/octo/registry/pull/7", result.PullRequestURL)
	require.Equal(t, 7, result.PullRequestNumber)
	require.Regexp(t, branchNamePattern, result.BranchName)
	require.True(t, strings.HasPrefix(result.BranchName, "enskill/demo/20250601123045-"))

	// One blob per file, base64 encoded.
	require.Len(t, backend.blobBodies, 2)
	for _, blob := range backend.blobBodies {
		require.Equal(t, "base64", blob["encoding"])
		require.NotEmpty(t, blob["content"])
	}

	// The tree layers over the base tree and addresses the skill directory.
	var baseTree string
	require.NoError(t, json.Unmarshal(backend.treeRequest["base_tree"], &baseTree))
	require.Equal(t, "base-tree-sha", baseTree)

	var entries []map[string]string
	require.NoError(t, json.Unmarshal(backend.treeRequest["tree"], &entries))
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		require.Equal(t, "100644", entry["mode"])
		require.Equal(t, "blob", entry["type"])
		paths = append(paths, entry["path"])
	}
	require.ElementsMatch(t, []string{"skills/demo/SKILL.md", "skills/demo/reference/notes.md"}, paths)

	// Commit message and parentage.
	var message string
	require.NoError(t, json.Unmarshal(backend.commitBody["message"], &message))
	require.Equal(t, "feat(registry): publish skill demo", message)
	var tree string
	require.NoError(t, json.Unmarshal(backend.commitBody["tree"], &tree))
	require.Equal(t, "new-tree-sha", tree)
	var parents []string
	require.NoError(t, json.Unmarshal(backend.commitBody["parents"], &parents))
	require.Equal(t, []string{"base-commit-sha"}, parents)

	// The branch ref points at the new commit.
	require.Equal(t, "refs/heads/"+result.BranchName, backend.refBody["ref"])
	require.Equal(t, "new-commit-sha", backend.refBody["sha"])

	// Pull request shape.
	require.Equal(t, "Add skill: demo", backend.pullBody["title"])
	require.Equal(t, result.BranchName, backend.pullBody["head"])
	require.Equal(t, "main", backend.pullBody["base"])
	require.Equal(t, "Submitted via enskill by @alice.\n\nSkill: `demo`\nPath: `skills/demo`", backend.pullBody["body"])
}

func TestPipeline_PublishUpstreamFailure(t *testing.T) {
	backend := &fakeGitBackend{failTrees: true}
	server := backend.server(t)
	pipeline := newTestPipeline(t, server.URL)

	_, err := pipeline.Publish(context.Background(), demoRequest(), "alice")
	require.Error(t, err)
	require.True(t, apperrors.IsUpstream(err))

	var upstream *apperrors.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, "create tree", upstream.Operation)
	require.Equal(t, http.StatusUnprocessableEntity, upstream.StatusCode)
}

func TestPipeline_PullRequestFailureNamesOrphanedBranch(t *testing.T) {
	backend := &fakeGitBackend{failPulls: true}
	server := backend.server(t)
	pipeline := newTestPipeline(t, server.URL)

	_, err := pipeline.Publish(context.Background(), demoRequest(), "alice")
	require.Error(t, err)
	require.True(t, apperrors.IsUpstream(err))
	require.Contains(t, err.Error(), "was created but has no open pull request")
	require.Contains(t, err.Error(), backend.refBody["ref"][len("refs/heads/"):])
}
