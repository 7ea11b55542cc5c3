// Package webhook はプッシュ配信設定（Webhook）のドメインロジックを提供する。
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
	"github.com/ksaito/newsrelay/internal/secrets"
	"github.com/ksaito/newsrelay/internal/security"
)

// maxFailureCeiling はmax_failuresに設定できる上限値。
const maxFailureCeiling = 20

// Limits はWebhook作成の制約。
type Limits struct {
	MaxWebhooksPerUser int
	MinIntervalMinutes int
	DefaultMaxFailures int
}

// CreateInput はWebhook作成の入力。
type CreateInput struct {
	FeedID          string
	BundleID        string
	Platform        model.Platform
	Target          string
	Secret          string
	IntervalMinutes int
	MaxFailures     int
}

// UpdateInput はWebhook更新の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	Target          *string
	Secret          *string
	IntervalMinutes *int
	MaxFailures     *int
	IsActive        *bool
}

// Info はAPIレスポンス向けのWebhook表現。
// 配信先はマスク済みの形でのみ含まれ、復号済みの値は露出しない。
type Info struct {
	ID              string
	FeedID          string
	BundleID        string
	Platform        model.Platform
	TargetMasked    string
	HasSecret       bool
	IsActive        bool
	IntervalMinutes int
	LastTriggeredAt *time.Time
	FailureCount    int
	MaxFailures     int
	CreatedAt       time.Time
}

// Service はWebhook管理のサービス層。
type Service struct {
	webhookRepo repository.WebhookRepository
	feedRepo    repository.FeedRepository
	bundleRepo  repository.BundleRepository
	jobRepo     repository.JobRepository
	keyring     *secrets.Keyring
	guard       security.SSRFGuardService
	limits      Limits
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	webhookRepo repository.WebhookRepository,
	feedRepo repository.FeedRepository,
	bundleRepo repository.BundleRepository,
	jobRepo repository.JobRepository,
	keyring *secrets.Keyring,
	guard security.SSRFGuardService,
	limits Limits,
) *Service {
	return &Service{
		webhookRepo: webhookRepo,
		feedRepo:    feedRepo,
		bundleRepo:  bundleRepo,
		jobRepo:     jobRepo,
		keyring:     keyring,
		guard:       guard,
		limits:      limits,
	}
}

// Create はWebhookを作成する。
// 配信先はプラットフォーム形式の検証とSSRF検証を通過した後、
// 暗号化された状態でのみ保存される。
func (s *Service) Create(ctx context.Context, userID string, input CreateInput) (*model.Webhook, error) {
	if (input.FeedID == "") == (input.BundleID == "") {
		return nil, model.NewInvalidScopeError()
	}
	if !model.ValidPlatform(input.Platform) {
		return nil, model.NewInvalidPlatformError(string(input.Platform))
	}

	count, err := s.webhookRepo.CountActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("Webhook数の確認に失敗しました: %w", err)
	}
	if count >= s.limits.MaxWebhooksPerUser {
		return nil, model.NewResourceLimitError("Webhook", s.limits.MaxWebhooksPerUser)
	}

	if err := s.verifyScope(ctx, userID, input.FeedID, input.BundleID); err != nil {
		return nil, err
	}
	if err := s.validateTarget(input.Platform, input.Target); err != nil {
		return nil, err
	}
	if err := validateSecret(input.Platform, input.Secret); err != nil {
		return nil, err
	}

	targetEnc, err := s.keyring.Encrypt(input.Target)
	if err != nil {
		return nil, fmt.Errorf("配信先の暗号化に失敗しました: %w", err)
	}
	var secretEnc string
	if input.Secret != "" {
		secretEnc, err = s.keyring.Encrypt(input.Secret)
		if err != nil {
			return nil, fmt.Errorf("シークレットの暗号化に失敗しました: %w", err)
		}
	}

	webhook := &model.Webhook{
		ID:              uuid.NewString(),
		UserID:          userID,
		FeedID:          input.FeedID,
		BundleID:        input.BundleID,
		Platform:        input.Platform,
		TargetEncrypted: targetEnc,
		SecretEncrypted: secretEnc,
		IsActive:        true,
		IntervalMinutes: s.clampInterval(input.IntervalMinutes),
		MaxFailures:     s.clampMaxFailures(input.MaxFailures),
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.webhookRepo.Create(ctx, webhook); err != nil {
		return nil, fmt.Errorf("Webhookの作成に失敗しました: %w", err)
	}
	return webhook, nil
}

// Get はユーザー所有のWebhookを取得する。
func (s *Service) Get(ctx context.Context, userID, webhookID string) (*model.Webhook, error) {
	webhook, err := s.webhookRepo.FindByID(ctx, webhookID)
	if err != nil {
		return nil, fmt.Errorf("Webhookの取得に失敗しました: %w", err)
	}
	if webhook == nil || webhook.UserID != userID {
		return nil, model.NewWebhookNotFoundError(webhookID)
	}
	return webhook, nil
}

// Update はWebhookの設定を更新する。
// 無効化されていたWebhookをIsActive=trueで再開する場合、失敗カウンタは
// 配信成功時にリセットされるため、max_failuresを引き上げない限り
// 即座に再無効化されうる点に注意。
func (s *Service) Update(ctx context.Context, userID, webhookID string, input UpdateInput) (*model.Webhook, error) {
	webhook, err := s.Get(ctx, userID, webhookID)
	if err != nil {
		return nil, err
	}

	if input.Target != nil {
		if err := s.validateTarget(webhook.Platform, *input.Target); err != nil {
			return nil, err
		}
		enc, err := s.keyring.Encrypt(*input.Target)
		if err != nil {
			return nil, fmt.Errorf("配信先の暗号化に失敗しました: %w", err)
		}
		webhook.TargetEncrypted = enc
	}
	if input.Secret != nil {
		if *input.Secret == "" {
			if webhook.Platform == model.PlatformTelegram {
				return nil, model.NewInvalidBotTokenError()
			}
			webhook.SecretEncrypted = ""
		} else {
			if err := validateSecret(webhook.Platform, *input.Secret); err != nil {
				return nil, err
			}
			enc, err := s.keyring.Encrypt(*input.Secret)
			if err != nil {
				return nil, fmt.Errorf("シークレットの暗号化に失敗しました: %w", err)
			}
			webhook.SecretEncrypted = enc
		}
	}
	if input.IntervalMinutes != nil {
		webhook.IntervalMinutes = s.clampInterval(*input.IntervalMinutes)
	}
	if input.MaxFailures != nil {
		webhook.MaxFailures = s.clampMaxFailures(*input.MaxFailures)
	}
	if input.IsActive != nil {
		webhook.IsActive = *input.IsActive
	}

	if err := s.webhookRepo.Update(ctx, webhook); err != nil {
		return nil, fmt.Errorf("Webhookの更新に失敗しました: %w", err)
	}
	return webhook, nil
}

// List はユーザーのWebhook一覧を返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.Webhook, error) {
	webhooks, err := s.webhookRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("Webhook一覧の取得に失敗しました: %w", err)
	}
	return webhooks, nil
}

// Delete はWebhookを無効化し、未終端ジョブを取り消す。
func (s *Service) Delete(ctx context.Context, userID, webhookID string) error {
	if _, err := s.Get(ctx, userID, webhookID); err != nil {
		return err
	}
	if err := s.webhookRepo.DeactivateCascade(ctx, webhookID); err != nil {
		return fmt.Errorf("Webhookの削除に失敗しました: %w", err)
	}
	return nil
}

// History はWebhookの配信履歴を返す。
func (s *Service) History(ctx context.Context, userID, webhookID string, limit int) ([]*model.DeliveryJob, error) {
	if _, err := s.Get(ctx, userID, webhookID); err != nil {
		return nil, err
	}
	jobs, err := s.jobRepo.ListByWebhook(ctx, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
	}
	return jobs, nil
}

// Describe はマスク済み配信先を含むAPI向け表現を生成する。
func (s *Service) Describe(webhook *model.Webhook) Info {
	masked := ""
	if target, err := s.keyring.Decrypt(webhook.TargetEncrypted); err == nil {
		masked = MaskTarget(webhook.Platform, target)
	}

	return Info{
		ID:              webhook.ID,
		FeedID:          webhook.FeedID,
		BundleID:        webhook.BundleID,
		Platform:        webhook.Platform,
		TargetMasked:    masked,
		HasSecret:       webhook.SecretEncrypted != "",
		IsActive:        webhook.IsActive,
		IntervalMinutes: webhook.IntervalMinutes,
		LastTriggeredAt: webhook.LastTriggeredAt,
		FailureCount:    webhook.FailureCount,
		MaxFailures:     webhook.MaxFailures,
		CreatedAt:       webhook.CreatedAt,
	}
}

// Credentials はWebhookの配信先とシークレットを復号して返す。
// 配信実行とテスト送信でのみ使用し、APIレスポンスには含めないこと。
func (s *Service) Credentials(webhook *model.Webhook) (target, secret string, err error) {
	target, err = s.keyring.Decrypt(webhook.TargetEncrypted)
	if err != nil {
		return "", "", fmt.Errorf("配信先の復号に失敗しました: %w", err)
	}
	if webhook.SecretEncrypted != "" {
		secret, err = s.keyring.Decrypt(webhook.SecretEncrypted)
		if err != nil {
			return "", "", fmt.Errorf("シークレットの復号に失敗しました: %w", err)
		}
	}
	return target, secret, nil
}

// validateTarget は形式検証に加え、HTTP系プラットフォームにはSSRF検証を行う。
func (s *Service) validateTarget(platform model.Platform, target string) error {
	if err := validateTargetFormat(platform, target); err != nil {
		return err
	}
	if platform.HTTPTarget() {
		if err := s.guard.ValidateTarget(target); err != nil {
			return model.NewSSRFBlockedError()
		}
	}
	return nil
}

// verifyScope は配信対象のフィードまたはバンドルがuserID所有でアクティブ
// であることを検証する。
func (s *Service) verifyScope(ctx context.Context, userID, feedID, bundleID string) error {
	if feedID != "" {
		feed, err := s.feedRepo.FindByID(ctx, feedID)
		if err != nil {
			return fmt.Errorf("フィードの確認に失敗しました: %w", err)
		}
		if feed == nil || feed.UserID != userID || !feed.IsActive {
			return model.NewFeedNotFoundError(feedID)
		}
		return nil
	}

	bundle, err := s.bundleRepo.FindByID(ctx, bundleID)
	if err != nil {
		return fmt.Errorf("バンドルの確認に失敗しました: %w", err)
	}
	if bundle == nil || bundle.UserID != userID || !bundle.IsActive {
		return model.NewBundleNotFoundError(bundleID)
	}
	return nil
}

// clampInterval は配信間隔を下限値で切り上げる。
func (s *Service) clampInterval(minutes int) int {
	if minutes < s.limits.MinIntervalMinutes {
		return s.limits.MinIntervalMinutes
	}
	return minutes
}

// clampMaxFailures はmax_failuresをデフォルト補完と上限適用して返す。
func (s *Service) clampMaxFailures(v int) int {
	if v <= 0 {
		return s.limits.DefaultMaxFailures
	}
	if v > maxFailureCeiling {
		return maxFailureCeiling
	}
	return v
}
