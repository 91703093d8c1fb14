package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository/memory"
	"github.com/sifan077/PowerTrack/internal/app/service"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	anon    *service.Anonymizer
	deps    *Deps
	closed  bool
	loadErr error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(testNow)

	cfg := config.Default()
	cfg.Retention.BatchPause = 0
	store := memory.New()
	anon := service.NewAnonymizer("secret", true)

	f := &fixture{store: store, anon: anon}
	f.deps = &Deps{
		Janitor: service.NewJanitor(service.JanitorDeps{
			Config: cfg.Retention,
			Repo:   store.Retention(),
			Clock:  clock,
		}),
		Aggregator: service.NewAggregator(service.AggregatorDeps{
			Config:    cfg.Dashboard,
			PageViews: store.PageViews(),
			Sessions:  store.Sessions(),
			Clock:     clock,
		}),
		Privacy: service.NewPrivacyService(service.PrivacyDeps{
			Anonymizer: anon,
			PageViews:  store.PageViews(),
			Sessions:   store.Sessions(),
			Clock:      clock,
		}),
		Close: func() { f.closed = true },
	}
	return f
}

// seed stores one page view and one session for sid, ageDays old.
func (f *fixture) seed(t *testing.T, sid string, ageDays int) {
	t.Helper()
	ctx := context.Background()
	at := testNow.Add(-time.Duration(ageDays) * 24 * time.Hour)
	hash := f.anon.SessionHash(sid)

	require.NoError(t, f.store.PageViews().Create(ctx, &model.PageView{
		URL:         "https://example.com/" + sid,
		Path:        "/" + sid,
		SessionHash: hash,
		DeviceType:  model.DeviceDesktop,
		ViewedAt:    at,
	}))
	_, err := f.store.Sessions().Create(ctx, &model.Session{
		SessionHash:      hash,
		LandingPage:      "/" + sid,
		DeviceType:       model.DeviceDesktop,
		SessionStartedAt: at,
		PageViewCount:    1,
	})
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T, stdin string, interactive bool, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "trackctl"}
	AddCommands(root, Options{
		Load: func(context.Context) (*Deps, error) {
			if f.loadErr != nil {
				return nil, f.loadErr
			}
			return f.deps, nil
		},
		Interactive: func() bool { return interactive },
	})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCleanup_Force(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "fresh", 1)
	f.seed(t, "old", 40)
	f.seed(t, "ancient", 400)

	out, err := f.run(t, "", false, "cleanup", "--days", "30", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Retention: 30 days")
	assert.Contains(t, out, "Deleted 2 page views and 2 sessions in")
	assert.Len(t, f.store.AllPageViews(), 1)
	assert.Len(t, f.store.AllSessions(), 1)
	assert.True(t, f.closed)
}

func TestCleanup_DryRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "old", 40)

	out, err := f.run(t, "", false, "cleanup", "--days", "30", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Dry run")
	assert.Regexp(t, `page_views\s+1\s+1`, out)
	assert.Len(t, f.store.AllPageViews(), 1)
}

func TestCleanup_Confirmation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "old", 40)

	out, err := f.run(t, "n\n", true, "cleanup", "--days", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleanup aborted.")
	assert.Len(t, f.store.AllPageViews(), 1)

	_, err = f.run(t, "", false, "cleanup", "--days", "30")
	assert.ErrorContains(t, err, "--force")
	assert.Len(t, f.store.AllPageViews(), 1)

	out, err = f.run(t, "yes\n", true, "cleanup", "--days", "30", "--batch-size", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 page views and 1 sessions")
	assert.Empty(t, f.store.AllPageViews())
}

func TestCleanup_DisabledAndInvalid(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ancient", 4000)

	out, err := f.run(t, "", false, "cleanup", "--days", "0", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Retention is disabled")
	assert.Len(t, f.store.AllPageViews(), 1)

	_, err = f.run(t, "", false, "cleanup", "--days", "-3", "--force")
	assert.ErrorContains(t, err, "must not be negative")
	assert.Len(t, f.store.AllPageViews(), 1)

	_, err = f.run(t, "", false, "cleanup", "--days", "200000", "--force")
	assert.ErrorContains(t, err, "must not exceed")
	assert.Len(t, f.store.AllPageViews(), 1)

	_, err = f.run(t, "", false, "cleanup", "--days", "200000", "--dry-run")
	assert.ErrorContains(t, err, "must not exceed")

	_, err = f.run(t, "", false, "cleanup", "--batch-size", "-1", "--force")
	assert.Error(t, err)
}

func TestCleanup_NothingToDo(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "fresh", 1)

	out, err := f.run(t, "", false, "cleanup", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to clean up.")
}

func TestCleanup_RespectsLock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "old", 40)
	path := filepath.Join(t.TempDir(), "cleanup.lock")
	f.deps.Locker = service.NewFileLocker(path)

	holder := service.NewFileLocker(path)
	unlock, ok, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, err = f.run(t, "", false, "cleanup", "--days", "30", "--force")
	assert.ErrorContains(t, err, "already running")
	assert.Len(t, f.store.AllPageViews(), 1)
}

func TestLoadError(t *testing.T) {
	f := newFixture(t)
	f.loadErr = errors.New("postgres: ping: connection refused")

	_, err := f.run(t, "", false, "stats")
	assert.ErrorContains(t, err, "connection refused")
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", 1)
	f.seed(t, "b", 2)

	out, err := f.run(t, "", false, "stats")
	require.NoError(t, err)
	assert.Regexp(t, `Page views\s+2`, out)
	assert.Regexp(t, `Sessions\s+2`, out)
	assert.Contains(t, out, "Popular pages")

	out, err = f.run(t, "", false, "stats", "--json", "--from", "2026-03-14")
	require.NoError(t, err)
	var dash service.Dashboard
	require.NoError(t, json.Unmarshal([]byte(out), &dash))
	assert.Equal(t, int64(1), dash.PageViews.TotalViews)

	_, err = f.run(t, "", false, "stats", "--from", "last week")
	assert.Error(t, err)
}

func TestExportAndErase(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "mine", 1)
	f.seed(t, "theirs", 1)

	out, err := f.run(t, "", false, "export", "--session-id", "mine")
	require.NoError(t, err)
	var export service.UserExport
	require.NoError(t, json.Unmarshal([]byte(out), &export))
	assert.Len(t, export.PageViews, 1)
	assert.Len(t, export.Sessions, 1)

	file := filepath.Join(t.TempDir(), "export.json")
	out, err = f.run(t, "", false, "export", "--session-id", "mine", "-o", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 1 page views and 1 sessions")

	_, err = f.run(t, "", false, "export")
	assert.ErrorContains(t, err, "--user-id or --session-id")

	_, err = f.run(t, "", false, "erase", "--session-id", "mine")
	assert.ErrorContains(t, err, "--force")

	out, err = f.run(t, "", false, "erase", "--session-id", "mine", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 page views and 1 sessions.")
	assert.Len(t, f.store.AllPageViews(), 1)
	assert.Len(t, f.store.AllSessions(), 1)
}
