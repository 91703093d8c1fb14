package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/PowerTrack/internal/app/model"
	"github.com/sifan077/PowerTrack/internal/app/repository"
	"go.uber.org/zap"
)

// ErrEmptySubject is returned when neither a user nor a session is named.
var ErrEmptySubject = errors.New("no user id or session id given")

// UserExport is every record tied to one subject.
type UserExport struct {
	PageViews  []model.PageView `json:"page_views"`
	Sessions   []model.Session  `json:"sessions"`
	ExportDate time.Time        `json:"export_date"`
}

// ErasureResult reports what an erasure removed.
type ErasureResult struct {
	PageViewsDeleted int64     `json:"page_views_deleted"`
	SessionsDeleted  int64     `json:"sessions_deleted"`
	DeletedAt        time.Time `json:"deleted_at"`
}

// PrivacyDeps groups dependencies required by PrivacyService.
type PrivacyDeps struct {
	Logger     *zap.Logger
	Anonymizer *Anonymizer
	PageViews  repository.PageViewRepository
	Sessions   repository.SessionRepository
	Clock      quartz.Clock
}

// PrivacyService exports and erases the data of a subject.
type PrivacyService struct {
	logger     *zap.Logger
	anonymizer *Anonymizer
	pageViews  repository.PageViewRepository
	sessions   repository.SessionRepository
	clock      quartz.Clock
}

// NewPrivacyService creates a PrivacyService with the provided dependencies.
func NewPrivacyService(deps PrivacyDeps) *PrivacyService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &PrivacyService{
		logger:     logger.Named("privacy"),
		anonymizer: deps.Anonymizer,
		pageViews:  deps.PageViews,
		sessions:   deps.Sessions,
		clock:      clock,
	}
}

// ExportUserData returns every page view and session of the subject. An
// empty subject yields empty collections. On failure the collections are
// empty and the error is logged and returned.
func (s *PrivacyService) ExportUserData(ctx context.Context, subject model.Subject) (UserExport, error) {
	out := UserExport{
		PageViews:  []model.PageView{},
		Sessions:   []model.Session{},
		ExportDate: s.clock.Now().UTC(),
	}
	if subject.Empty() {
		return out, nil
	}
	filter := s.filter(subject)

	views, err := s.pageViews.FindBySubject(ctx, filter)
	if err != nil {
		return out, s.fail("export", subject, fmt.Errorf("export page views: %w", err))
	}
	sessions, err := s.sessions.FindBySubject(ctx, filter)
	if err != nil {
		return out, s.fail("export", subject, fmt.Errorf("export sessions: %w", err))
	}

	if views != nil {
		out.PageViews = views
	}
	if sessions != nil {
		out.Sessions = sessions
	}
	s.logger.Info("user data exported",
		subjectFields(subject,
			zap.Int("page_views", len(out.PageViews)),
			zap.Int("sessions", len(out.Sessions)))...)
	return out, nil
}

// DeleteUserData hard-deletes every record of the subject and reports
// whether the erasure succeeded.
func (s *PrivacyService) DeleteUserData(ctx context.Context, subject model.Subject) bool {
	_, err := s.EraseUserData(ctx, subject)
	return err == nil
}

// EraseUserData is DeleteUserData with the deleted row counts.
func (s *PrivacyService) EraseUserData(ctx context.Context, subject model.Subject) (ErasureResult, error) {
	out := ErasureResult{DeletedAt: s.clock.Now().UTC()}
	if subject.Empty() {
		return out, s.fail("erase", subject, ErrEmptySubject)
	}
	filter := s.filter(subject)

	var err error
	if out.PageViewsDeleted, err = s.pageViews.DeleteBySubject(ctx, filter); err != nil {
		return out, s.fail("erase", subject, fmt.Errorf("delete page views: %w", err))
	}
	if out.SessionsDeleted, err = s.sessions.DeleteBySubject(ctx, filter); err != nil {
		return out, s.fail("erase", subject, fmt.Errorf("delete sessions: %w", err))
	}

	s.logger.Info("user data erased",
		subjectFields(subject,
			zap.Int64("page_views_deleted", out.PageViewsDeleted),
			zap.Int64("sessions_deleted", out.SessionsDeleted))...)
	return out, nil
}

// filter resolves the subject to its stored form; a user id wins over a
// session id.
func (s *PrivacyService) filter(subject model.Subject) model.SubjectFilter {
	if subject.UserID != nil {
		return model.SubjectFilter{UserID: subject.UserID}
	}
	return model.SubjectFilter{SessionHash: s.anonymizer.SessionHash(subject.SessionID)}
}

func (s *PrivacyService) fail(op string, subject model.Subject, err error) error {
	s.logger.Error("privacy operation failed", subjectFields(subject, zap.String("op", op), zap.Error(err))...)
	return err
}

func subjectFields(subject model.Subject, fields ...zap.Field) []zap.Field {
	if subject.UserID != nil {
		return append(fields, zap.Uint64("user_id", *subject.UserID))
	}
	return append(fields, zap.Bool("by_session", subject.SessionID != ""))
}
