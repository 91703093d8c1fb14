package service

import (
	"context"
	"errors"
	"testing"

	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSessionDeletes struct {
	repository.SessionRepository
}

func (failingSessionDeletes) DeleteBySubject(context.Context, model.SubjectFilter) (int64, error) {
	return 0, errors.New("deadlock detected")
}

func seedSubjects(t *testing.T) (*recorderFixture, *PrivacyService) {
	t.Helper()
	f := newRecorderFixture(t, nil)
	ctx := context.Background()

	track := func(path, sid string, user *uint64) {
		req := pageRequest(path, sid)
		req.UserID = user
		require.True(t, f.recorder.TrackSession(ctx, req, SessionOptions{NewSession: true}))
		require.True(t, f.recorder.TrackPageView(ctx, req, PageViewOptions{}))
	}
	track("/a", "sid-42-a", uint64Ptr(42))
	track("/b", "sid-42-b", uint64Ptr(42))
	track("/c", "sid-7", uint64Ptr(7))
	track("/d", "sid-anon", nil)

	svc := NewPrivacyService(PrivacyDeps{
		Anonymizer: f.anon,
		PageViews:  f.store.PageViews(),
		Sessions:   f.store.Sessions(),
		Clock:      f.clock,
	})
	return f, svc
}

func TestPrivacy_ExportByUser(t *testing.T) {
	_, svc := seedSubjects(t)

	out, err := svc.ExportUserData(context.Background(), model.Subject{UserID: uint64Ptr(42)})
	require.NoError(t, err)
	require.Len(t, out.PageViews, 2)
	require.Len(t, out.Sessions, 2)
	for _, v := range out.PageViews {
		assert.Equal(t, uint64(42), *v.UserID)
	}
	for _, s := range out.Sessions {
		assert.Equal(t, uint64(42), *s.UserID)
	}
	assert.Equal(t, testNow, out.ExportDate)
}

func TestPrivacy_ExportBySession(t *testing.T) {
	_, svc := seedSubjects(t)

	out, err := svc.ExportUserData(context.Background(), model.Subject{SessionID: "sid-anon"})
	require.NoError(t, err)
	require.Len(t, out.PageViews, 1)
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, "/d", out.PageViews[0].Path)
}

func TestPrivacy_UserIDWinsOverSession(t *testing.T) {
	_, svc := seedSubjects(t)

	out, err := svc.ExportUserData(context.Background(), model.Subject{UserID: uint64Ptr(7), SessionID: "sid-anon"})
	require.NoError(t, err)
	require.Len(t, out.PageViews, 1)
	assert.Equal(t, "/c", out.PageViews[0].Path)
}

func TestPrivacy_EmptySubject(t *testing.T) {
	f, svc := seedSubjects(t)
	ctx := context.Background()

	out, err := svc.ExportUserData(ctx, model.Subject{})
	require.NoError(t, err)
	assert.NotNil(t, out.PageViews)
	assert.Empty(t, out.PageViews)
	assert.Empty(t, out.Sessions)

	assert.False(t, svc.DeleteUserData(ctx, model.Subject{}))
	assert.Len(t, f.store.AllPageViews(), 4)
	assert.Len(t, f.store.AllSessions(), 4)
}

func TestPrivacy_DeleteByUser(t *testing.T) {
	f, svc := seedSubjects(t)
	ctx := context.Background()
	subject := model.Subject{UserID: uint64Ptr(42)}

	res, err := svc.EraseUserData(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.PageViewsDeleted)
	assert.Equal(t, int64(2), res.SessionsDeleted)

	out, err := svc.ExportUserData(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, out.PageViews)
	assert.Empty(t, out.Sessions)

	assert.Len(t, f.store.AllPageViews(), 2)
	assert.Len(t, f.store.AllSessions(), 2)

	// Nothing left to delete is still a successful erasure.
	assert.True(t, svc.DeleteUserData(ctx, subject))
}

func TestPrivacy_DeleteFailureIsReported(t *testing.T) {
	f, _ := seedSubjects(t)
	svc := NewPrivacyService(PrivacyDeps{
		Anonymizer: f.anon,
		PageViews:  f.store.PageViews(),
		Sessions:   failingSessionDeletes{f.store.Sessions()},
	})

	assert.False(t, svc.DeleteUserData(context.Background(), model.Subject{UserID: uint64Ptr(7)}))
}
