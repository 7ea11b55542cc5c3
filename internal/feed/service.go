// Package feed はカスタムフィードとバンドルのドメインロジックを提供する。
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
)

// Limits はユーザーあたりのリソース上限。
type Limits struct {
	MaxFeedsPerUser   int
	MaxBundlesPerUser int
	MaxFeedsPerBundle int
}

// CreateFeedInput はフィード作成の入力。
type CreateFeedInput struct {
	Name        string
	Description string
	Filters     model.FeedFilters
	Format      model.OutputFormat
}

// UpdateFeedInput はフィード更新の入力。nilのフィールドは変更しない。
type UpdateFeedInput struct {
	Name        *string
	Description *string
	Filters     *model.FeedFilters
	Format      *model.OutputFormat
}

// CreateBundleInput はバンドル作成の入力。
type CreateBundleInput struct {
	Name        string
	Description string
	Format      model.OutputFormat
	FeedIDs     []string
}

// UpdateBundleInput はバンドル更新の入力。nilのフィールドは変更しない。
type UpdateBundleInput struct {
	Name        *string
	Description *string
	Format      *model.OutputFormat
}

// Service はフィード・バンドル管理のサービス層。
type Service struct {
	feedRepo   repository.FeedRepository
	bundleRepo repository.BundleRepository
	limits     Limits
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(feedRepo repository.FeedRepository, bundleRepo repository.BundleRepository, limits Limits) *Service {
	return &Service{
		feedRepo:   feedRepo,
		bundleRepo: bundleRepo,
		limits:     limits,
	}
}

// CreateFeed はカスタムフィードを作成する。
// フィルタは正規化され、スラッグは名前から自動生成される。
func (s *Service) CreateFeed(ctx context.Context, userID, apiKeyID string, input CreateFeedInput) (*model.Feed, error) {
	if input.Name == "" {
		return nil, model.NewInvalidTargetError("フィード名は必須です")
	}
	if input.Format != "" && !model.ValidFormat(input.Format) {
		return nil, model.NewInvalidFormatError(string(input.Format))
	}

	count, err := s.feedRepo.CountActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("フィード数の確認に失敗しました: %w", err)
	}
	if count >= s.limits.MaxFeedsPerUser {
		return nil, model.NewResourceLimitError("フィード", s.limits.MaxFeedsPerUser)
	}

	format := input.Format
	if format == "" {
		format = model.FormatJSON
	}

	now := time.Now().UTC()
	feed := &model.Feed{
		ID:            uuid.NewString(),
		UserID:        userID,
		APIKeyID:      apiKeyID,
		Slug:          GenerateSlug(input.Name),
		Name:          input.Name,
		Description:   input.Description,
		Filters:       input.Filters.Normalize(),
		DefaultFormat: format,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.feedRepo.Create(ctx, feed); err != nil {
		return nil, fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}
	return feed, nil
}

// GetFeed はユーザー所有のフィードを取得する。
// 他ユーザーのフィードは存在しないものとして扱う。
func (s *Service) GetFeed(ctx context.Context, userID, feedID string) (*model.Feed, error) {
	feed, err := s.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil || feed.UserID != userID {
		return nil, model.NewFeedNotFoundError(feedID)
	}
	return feed, nil
}

// UpdateFeed はフィードの設定を更新する。
func (s *Service) UpdateFeed(ctx context.Context, userID, feedID string, input UpdateFeedInput) (*model.Feed, error) {
	feed, err := s.GetFeed(ctx, userID, feedID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if *input.Name == "" {
			return nil, model.NewInvalidTargetError("フィード名は必須です")
		}
		feed.Name = *input.Name
	}
	if input.Description != nil {
		feed.Description = *input.Description
	}
	if input.Filters != nil {
		feed.Filters = input.Filters.Normalize()
	}
	if input.Format != nil {
		if !model.ValidFormat(*input.Format) {
			return nil, model.NewInvalidFormatError(string(*input.Format))
		}
		feed.DefaultFormat = *input.Format
	}
	feed.UpdatedAt = time.Now().UTC()

	if err := s.feedRepo.Update(ctx, feed); err != nil {
		return nil, fmt.Errorf("フィードの更新に失敗しました: %w", err)
	}
	return feed, nil
}

// ListFeeds はユーザーのフィード一覧を返す。
func (s *Service) ListFeeds(ctx context.Context, userID string) ([]*model.Feed, error) {
	feeds, err := s.feedRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	return feeds, nil
}

// DeleteFeed はフィードを無効化し、依存するWebhookと未終端ジョブを連鎖的に止める。
func (s *Service) DeleteFeed(ctx context.Context, userID, feedID string) error {
	if _, err := s.GetFeed(ctx, userID, feedID); err != nil {
		return err
	}
	if err := s.feedRepo.DeactivateCascade(ctx, feedID); err != nil {
		return fmt.Errorf("フィードの削除に失敗しました: %w", err)
	}
	return nil
}

// CreateBundle はフィードバンドルを作成する。
// 初期メンバーはすべてユーザー所有のアクティブなフィードでなければならない。
func (s *Service) CreateBundle(ctx context.Context, userID, apiKeyID string, input CreateBundleInput) (*model.Bundle, error) {
	if input.Name == "" {
		return nil, model.NewInvalidTargetError("バンドル名は必須です")
	}
	if input.Format != "" && !model.ValidFormat(input.Format) {
		return nil, model.NewInvalidFormatError(string(input.Format))
	}
	if len(input.FeedIDs) > s.limits.MaxFeedsPerBundle {
		return nil, model.NewResourceLimitError("バンドルあたりのフィード", s.limits.MaxFeedsPerBundle)
	}

	count, err := s.bundleRepo.CountActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("バンドル数の確認に失敗しました: %w", err)
	}
	if count >= s.limits.MaxBundlesPerUser {
		return nil, model.NewResourceLimitError("バンドル", s.limits.MaxBundlesPerUser)
	}

	if err := s.verifyFeedOwnership(ctx, userID, input.FeedIDs); err != nil {
		return nil, err
	}

	format := input.Format
	if format == "" {
		format = model.FormatJSON
	}

	now := time.Now().UTC()
	bundle := &model.Bundle{
		ID:            uuid.NewString(),
		UserID:        userID,
		APIKeyID:      apiKeyID,
		Slug:          GenerateSlug(input.Name),
		Name:          input.Name,
		Description:   input.Description,
		DefaultFormat: format,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.bundleRepo.Create(ctx, bundle, input.FeedIDs); err != nil {
		if errors.Is(err, repository.ErrDuplicateMember) {
			return nil, model.NewDuplicateMemberError()
		}
		return nil, fmt.Errorf("バンドルの作成に失敗しました: %w", err)
	}
	return bundle, nil
}

// GetBundle はユーザー所有のバンドルを取得する。
func (s *Service) GetBundle(ctx context.Context, userID, bundleID string) (*model.Bundle, error) {
	bundle, err := s.bundleRepo.FindByID(ctx, bundleID)
	if err != nil {
		return nil, fmt.Errorf("バンドルの取得に失敗しました: %w", err)
	}
	if bundle == nil || bundle.UserID != userID {
		return nil, model.NewBundleNotFoundError(bundleID)
	}
	return bundle, nil
}

// UpdateBundle はバンドルの設定を更新する。
func (s *Service) UpdateBundle(ctx context.Context, userID, bundleID string, input UpdateBundleInput) (*model.Bundle, error) {
	bundle, err := s.GetBundle(ctx, userID, bundleID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if *input.Name == "" {
			return nil, model.NewInvalidTargetError("バンドル名は必須です")
		}
		bundle.Name = *input.Name
	}
	if input.Description != nil {
		bundle.Description = *input.Description
	}
	if input.Format != nil {
		if !model.ValidFormat(*input.Format) {
			return nil, model.NewInvalidFormatError(string(*input.Format))
		}
		bundle.DefaultFormat = *input.Format
	}
	bundle.UpdatedAt = time.Now().UTC()

	if err := s.bundleRepo.Update(ctx, bundle); err != nil {
		return nil, fmt.Errorf("バンドルの更新に失敗しました: %w", err)
	}
	return bundle, nil
}

// ListBundles はユーザーのバンドル一覧を返す。
func (s *Service) ListBundles(ctx context.Context, userID string) ([]*model.Bundle, error) {
	bundles, err := s.bundleRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("バンドル一覧の取得に失敗しました: %w", err)
	}
	return bundles, nil
}

// DeleteBundle はバンドルを無効化し、依存するWebhookと未終端ジョブを連鎖的に止める。
func (s *Service) DeleteBundle(ctx context.Context, userID, bundleID string) error {
	if _, err := s.GetBundle(ctx, userID, bundleID); err != nil {
		return err
	}
	if err := s.bundleRepo.DeactivateCascade(ctx, bundleID); err != nil {
		return fmt.Errorf("バンドルの削除に失敗しました: %w", err)
	}
	return nil
}

// AddBundleMember はバンドルにフィードを追加する。
func (s *Service) AddBundleMember(ctx context.Context, userID, bundleID, feedID string) error {
	if _, err := s.GetBundle(ctx, userID, bundleID); err != nil {
		return err
	}
	if err := s.verifyFeedOwnership(ctx, userID, []string{feedID}); err != nil {
		return err
	}

	count, err := s.bundleRepo.CountMembers(ctx, bundleID)
	if err != nil {
		return fmt.Errorf("バンドルメンバー数の確認に失敗しました: %w", err)
	}
	if count >= s.limits.MaxFeedsPerBundle {
		return model.NewResourceLimitError("バンドルあたりのフィード", s.limits.MaxFeedsPerBundle)
	}

	if err := s.bundleRepo.AddMember(ctx, bundleID, feedID); err != nil {
		if errors.Is(err, repository.ErrDuplicateMember) {
			return model.NewDuplicateMemberError()
		}
		return fmt.Errorf("バンドルメンバーの追加に失敗しました: %w", err)
	}
	return nil
}

// RemoveBundleMember はバンドルからフィードを除外する。
func (s *Service) RemoveBundleMember(ctx context.Context, userID, bundleID, feedID string) error {
	if _, err := s.GetBundle(ctx, userID, bundleID); err != nil {
		return err
	}

	removed, err := s.bundleRepo.RemoveMember(ctx, bundleID, feedID)
	if err != nil {
		return fmt.Errorf("バンドルメンバーの削除に失敗しました: %w", err)
	}
	if !removed {
		return model.NewFeedNotFoundError(feedID)
	}
	return nil
}

// MemberFeeds はバンドルのアクティブなメンバーフィードを返す。
// 無効化されたメンバーは除外される。
func (s *Service) MemberFeeds(ctx context.Context, bundleID string) ([]*model.Feed, error) {
	feedIDs, err := s.bundleRepo.ListMemberFeedIDs(ctx, bundleID)
	if err != nil {
		return nil, fmt.Errorf("バンドルメンバーの取得に失敗しました: %w", err)
	}
	feeds, err := s.feedRepo.FindActiveByIDs(ctx, feedIDs)
	if err != nil {
		return nil, fmt.Errorf("メンバーフィードの取得に失敗しました: %w", err)
	}
	return feeds, nil
}

// verifyFeedOwnership はフィード群がすべてuserID所有のアクティブなフィードで
// あることを検証する。
func (s *Service) verifyFeedOwnership(ctx context.Context, userID string, feedIDs []string) error {
	if len(feedIDs) == 0 {
		return nil
	}
	feeds, err := s.feedRepo.FindActiveByIDs(ctx, feedIDs)
	if err != nil {
		return fmt.Errorf("フィードの確認に失敗しました: %w", err)
	}

	owned := make(map[string]bool, len(feeds))
	for _, f := range feeds {
		if f.UserID == userID {
			owned[f.ID] = true
		}
	}
	for _, id := range feedIDs {
		if !owned[id] {
			return model.NewFeedNotFoundError(id)
		}
	}
	return nil
}
