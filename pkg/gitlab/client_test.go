package gitlab_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/gitlab"
)

func newGateway(t *testing.T, handler http.Handler) gitlab.Gateway {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return gitlab.New(log, gitlab.Options{
		BaseURL: srv.URL,
		Token:   "test-token",
		Timeout: 2 * time.Second,
		Retries: 2,
	})
}

func TestTestConnectionSendsToken(t *testing.T) {
	var gotToken string

	gw := newGateway(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			gotToken = r.Header.Get("PRIVATE-TOKEN")
			require.Equal(t, "/api/v4/version", r.URL.Path)

			_ = json.NewEncoder(w).Encode(map[string]string{"version": "17.0"})
		}))

	require.NoError(t, gw.TestConnection(context.Background()))
	assert.Equal(t, "test-token", gotToken)
}

func TestGetProjectsPagination(t *testing.T) {
	gw := newGateway(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "10", r.URL.Query().Get("per_page"))

			_ = json.NewEncoder(w).Encode([]gitlab.Project{
				{ID: 1, Name: "repo"},
			})
		}))

	projects, err := gw.GetProjects(context.Background(),
		gitlab.ListOptions{Page: 2, PerPage: 10})
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "repo", projects[0].Name)
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		code   apperrors.Code
	}{
		{http.StatusUnauthorized, apperrors.CodeAuthenticationFailed},
		{http.StatusNotFound, apperrors.CodeNotFound},
		{http.StatusUnprocessableEntity, apperrors.CodeValidation},
	}

	for _, tc := range cases {
		gw := newGateway(t, http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))

		_, err := gw.GetProject(context.Background(), 1)
		require.Error(t, err)
		assert.Equal(t, tc.code, apperrors.CodeOf(err),
			"status %d", tc.status)
	}
}

func TestRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32

	gw := newGateway(t, http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)

				return
			}

			_ = json.NewEncoder(w).Encode(gitlab.User{ID: 9, Username: "dev"})
		}))

	user, err := gw.GetUser(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "dev", user.Username)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnNotFound(t *testing.T) {
	var calls atomic.Int32

	gw := newGateway(t, http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))

	_, err := gw.GetEpic(context.Background(), 1, 2)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	assert.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}

func TestCreateEpicSendsBody(t *testing.T) {
	gw := newGateway(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/api/v4/groups/5/epics", r.URL.Path)

			var req gitlab.EpicRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "New feature", req.Title)
			assert.Contains(t, req.Labels, "priority:high")

			_ = json.NewEncoder(w).Encode(gitlab.Epic{
				ID: 77, IID: 3, GroupID: 5, Title: req.Title,
				State: gitlab.EpicStateOpened, Labels: req.Labels,
			})
		}))

	epic, err := gw.CreateEpic(context.Background(), 5, &gitlab.EpicRequest{
		Title:  "New feature",
		Labels: []string{"feature_module", "priority:high"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), epic.ID)
	assert.Equal(t, gitlab.EpicStateOpened, epic.State)
}

func TestConnectionRefused(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	gw := gitlab.New(log, gitlab.Options{
		BaseURL: "http://127.0.0.1:1", // nothing listens here
		Token:   "t",
		Timeout: 500 * time.Millisecond,
	})

	err := gw.TestConnection(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Retryable(err))
}
