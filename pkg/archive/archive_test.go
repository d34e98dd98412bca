package archive_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/archive"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

func TestDisabledConfigIsNoop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	for _, cfg := range []*config.ArchiveConfig{nil, {Enabled: false}} {
		a := archive.New(log, cfg)
		require.NoError(t, a.Archive(context.Background(), &store.SyncRecord{}))
	}
}

func TestArchiveWritesExpectedObject(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	var (
		gotPath string
		gotBody []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
	defer srv.Close()

	a := archive.New(log, &config.ArchiveConfig{
		Enabled:         true,
		EndpointURL:     srv.URL,
		Bucket:          "sync-results",
		Prefix:          "archive/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	})

	started := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	rec := &store.SyncRecord{
		InstanceID: 3,
		SyncType:   "incremental",
		Result:     store.ResultSuccess,
		Processed:  12,
		StartedAt:  started,
	}

	require.NoError(t, a.Archive(context.Background(), rec))

	assert.Equal(t,
		"/sync-results/archive/3/2026-08-30T10:00:00Z-incremental.json",
		gotPath)
	assert.Contains(t, string(gotBody), `"result":"success"`)
}
