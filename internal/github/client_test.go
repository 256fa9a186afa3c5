package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token",
		WithBaseURL(srv.URL),
		WithRateLimit(1000, 1000),
	)
}

func issueJSON(number int, title string, labels ...string) map[string]any {
	ls := make([]map[string]string, 0, len(labels))
	for _, l := range labels {
		ls = append(ls, map[string]string{"name": l})
	}
	return map[string]any{
		"number":   number,
		"title":    title,
		"body":     "body of " + title,
		"state":    "open",
		"html_url": fmt.Sprintf("https://github.com/acme/widgets/issues/%d", number),
		"labels":   ls,
	}
}

func TestListIssues_ExcludesPullRequests(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr := issueJSON(2, "a pull request")
		pr["pull_request"] = map[string]string{"url": "https://api.github.com/..."}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			issueJSON(1, "real issue"),
			pr,
		})
	}))

	issues, err := c.ListIssues(context.Background(), "acme/widgets", ListOptions{})
	require.NoError(t, err)

	require.Len(t, issues, 1)
	assert.Equal(t, 1, issues[0].Number)
	assert.Equal(t, "real issue", issues[0].Title)
	assert.Equal(t, "acme/widgets", issues[0].Repository)
}

func TestListIssues_Paginates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var items []map[string]any
		switch page {
		case 1:
			for i := 1; i <= perPage; i++ {
				items = append(items, issueJSON(i, fmt.Sprintf("issue %d", i)))
			}
		case 2:
			items = append(items, issueJSON(perPage+1, "last issue"))
		}
		_ = json.NewEncoder(w).Encode(items)
	}))

	issues, err := c.ListIssues(context.Background(), "acme/widgets", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, issues, perPage+1)
	assert.Equal(t, "last issue", issues[len(issues)-1].Title)
}

func TestListIssues_LabelFilterIsAnyOf(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			issueJSON(1, "bug only", "bug"),
			issueJSON(2, "backend only", "backend"),
			issueJSON(3, "unlabelled"),
		})
	}))

	issues, err := c.ListIssues(context.Background(), "acme/widgets", ListOptions{
		Labels: []string{"bug", "backend"},
	})
	require.NoError(t, err)

	require.Len(t, issues, 2)
	assert.Equal(t, 1, issues[0].Number)
	assert.Equal(t, 2, issues[1].Number)
}

func TestListIssues_SpecificNumbers_OmitsMissing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widgets/issues/1":
			_ = json.NewEncoder(w).Encode(issueJSON(1, "one"))
		case "/repos/acme/widgets/issues/5":
			_ = json.NewEncoder(w).Encode(issueJSON(5, "five"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	issues, err := c.ListIssues(context.Background(), "acme/widgets", ListOptions{
		IssueNumbers: []int{1, 5, 10},
	})
	require.NoError(t, err, "missing issue numbers are omitted, not an error")

	require.Len(t, issues, 2)
	assert.Equal(t, 1, issues[0].Number)
	assert.Equal(t, 5, issues[1].Number)
}

func TestListIssues_AuthFailure_SourceUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.ListIssues(context.Background(), "acme/widgets", ListOptions{})
	require.Error(t, err)

	var srcErr *domain.SourceUnavailableError
	require.True(t, errors.As(err, &srcErr))
	assert.Equal(t, http.StatusForbidden, srcErr.StatusCode)
	assert.Equal(t, "acme/widgets", srcErr.Repository)
}

func TestListIssues_Unreachable_SourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient("", WithBaseURL(srv.URL), WithRateLimit(1000, 1000))
	_, err := c.ListIssues(context.Background(), "acme/widgets", ListOptions{})

	var srcErr *domain.SourceUnavailableError
	require.True(t, errors.As(err, &srcErr))
	assert.Zero(t, srcErr.StatusCode)
}

func TestIssues_LazyStopsFetching(t *testing.T) {
	requests := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var items []map[string]any
		for i := 1; i <= perPage; i++ {
			items = append(items, issueJSON(i, "x"))
		}
		_ = json.NewEncoder(w).Encode(items)
	}))

	seen := 0
	for _, err := range c.Issues(context.Background(), "acme/widgets", ListOptions{}) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 1, requests, "breaking the iterator must not fetch further pages")
}

func TestAddLabelsAndCreateComment(t *testing.T) {
	var gotLabels []string
	var gotComment string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/repos/acme/widgets/issues/7/labels":
			var body map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			gotLabels = body["labels"]
		case "/repos/acme/widgets/issues/7/comments":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			gotComment = body["body"]
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
	}))

	require.NoError(t, c.AddLabels(context.Background(), "acme/widgets", 7, []string{"delegated"}))
	require.NoError(t, c.CreateComment(context.Background(), "acme/widgets", 7, "queued for execution"))

	assert.Equal(t, []string{"delegated"}, gotLabels)
	assert.Equal(t, "queued for execution", gotComment)
}

func TestAddLabels_FailureIsSourceUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := c.AddLabels(context.Background(), "acme/widgets", 7, []string{"delegated"})
	var srcErr *domain.SourceUnavailableError
	require.True(t, errors.As(err, &srcErr))
}
