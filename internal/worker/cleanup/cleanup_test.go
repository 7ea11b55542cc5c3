package cleanup

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ksaito/newsrelay/internal/model"
)

// mockJobRepo はJobRepositoryのテスト用モック。
type mockJobRepo struct {
	deleteFunc func(ctx context.Context, cutoff time.Time) (int64, error)
	lastCutoff time.Time
}

func (m *mockJobRepo) FindByID(ctx context.Context, id string) (*model.DeliveryJob, error) {
	return nil, nil
}
func (m *mockJobRepo) InsertWithItems(ctx context.Context, job *model.DeliveryJob, articleIDs []string) error {
	return nil
}
func (m *mockJobRepo) Claim(ctx context.Context, jobID string, now time.Time) (bool, error) {
	return false, nil
}
func (m *mockJobRepo) ListRunnable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}
func (m *mockJobRepo) ListItems(ctx context.Context, jobID string) ([]*model.DeliveryItem, error) {
	return nil, nil
}
func (m *mockJobRepo) MarkDelivered(ctx context.Context, jobID, webhookID string, cursorPublishedAt *time.Time, cursorArticleID string) error {
	return nil
}
func (m *mockJobRepo) MarkFailed(ctx context.Context, jobID, webhookID, errMsg string, maxAttempts int) (model.JobStatus, error) {
	return model.JobStatusRetryPending, nil
}
func (m *mockJobRepo) Cancel(ctx context.Context, jobID string) error { return nil }
func (m *mockJobRepo) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*model.DeliveryJob, error) {
	return nil, nil
}
func (m *mockJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.lastCutoff = cutoff
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, cutoff)
	}
	return 0, nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// TestRun_UsesRetentionCutoff は保持期間に基づくカットオフでの削除を検証する。
func TestRun_UsesRetentionCutoff(t *testing.T) {
	repo := &mockJobRepo{
		deleteFunc: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 42, nil
		},
	}
	j := NewCleanupJob(repo, newTestLogger())
	j.RetentionDays = 7

	before := time.Now().UTC().AddDate(0, 0, -7)
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("Runに失敗: %v", err)
	}
	after := time.Now().UTC().AddDate(0, 0, -7)

	if repo.lastCutoff.Before(before) || repo.lastCutoff.After(after) {
		t.Errorf("カットオフが保持期間と一致しません: %v", repo.lastCutoff)
	}
}

// TestRun_DefaultRetention はデフォルト保持日数を検証する。
func TestRun_DefaultRetention(t *testing.T) {
	j := NewCleanupJob(&mockJobRepo{}, newTestLogger())
	if j.RetentionDays != 30 {
		t.Errorf("デフォルト保持日数が一致しません: %d", j.RetentionDays)
	}
}

// TestRun_PropagatesError は削除失敗がエラーとして返ることを検証する。
func TestRun_PropagatesError(t *testing.T) {
	wantErr := errors.New("connection refused")
	repo := &mockJobRepo{
		deleteFunc: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, wantErr
		},
	}
	j := NewCleanupJob(repo, newTestLogger())

	if err := j.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("エラーが伝播していません: %v", err)
	}
}

// TestRun_NoDeletionsIsSuccess は削除対象ゼロでも正常終了することを検証する。
func TestRun_NoDeletionsIsSuccess(t *testing.T) {
	j := NewCleanupJob(&mockJobRepo{}, newTestLogger())
	if err := j.Run(context.Background()); err != nil {
		t.Errorf("削除対象ゼロでエラーになりました: %v", err)
	}
}
