package service

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/PowerTrack/config"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository/memory"
	"github.com/sifan077/PowerTrack/internal/http/util"
	"github.com/stretchr/testify/require"
)

const (
	chromeWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	edgeWindowsUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"
	androidPhoneUA  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	iPadUA          = "Mozilla/5.0 (iPad; CPU OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1"
	googlebotUA     = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func testTrackingConfig() config.TrackingConfig {
	cfg := config.Default().Tracking
	cfg.Secret = "test-secret"
	return cfg
}

func newMockClock(t *testing.T) *quartz.Mock {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	return clock
}

type recorderFixture struct {
	cfg      config.TrackingConfig
	store    *memory.Store
	clock    *quartz.Mock
	signer   *util.ConsentSigner
	anon     *Anonymizer
	recorder *Recorder
}

func newRecorderFixture(t *testing.T, mutate func(cfg *config.TrackingConfig)) *recorderFixture {
	t.Helper()

	cfg := testTrackingConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clock := newMockClock(t)
	classifier, err := NewClassifier(cfg)
	require.NoError(t, err)

	signer := util.NewConsentSigner([]byte(cfg.Secret), 24*time.Hour, clock)
	anon := NewAnonymizer(cfg.Secret, cfg.AnonymizeIP)
	store := memory.New()

	rec := NewRecorder(RecorderDeps{
		Config:     cfg,
		Gate:       NewConsentGate(cfg, signer),
		Classifier: classifier,
		Anonymizer: anon,
		PageViews:  store.PageViews(),
		Sessions:   store.Sessions(),
		Clock:      clock,
		Metrics:    NewMetrics(nil),
	})

	return &recorderFixture{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		signer:   signer,
		anon:     anon,
		recorder: rec,
	}
}

func (f *recorderFixture) session(t *testing.T, sessionID string) model.Session {
	t.Helper()
	s, err := f.store.Sessions().GetByHash(context.Background(), f.anon.SessionHash(sessionID))
	require.NoError(t, err)
	return *s
}

func pageRequest(path, sessionID string) model.TrackingRequest {
	return model.TrackingRequest{
		URL:       "https://example.com" + path,
		Path:      path,
		IP:        "203.0.113.7",
		UserAgent: chromeWindowsUA,
		SessionID: sessionID,
	}
}

func intPtr(v int) *int { return &v }

func uint64Ptr(v uint64) *uint64 { return &v }

func strPtr(s string) *string { return &s }
