package feed

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/ksaito/newsrelay/internal/model"
	"github.com/ksaito/newsrelay/internal/repository"
)

// fakeFeedRepo はテスト用のインメモリフィードリポジトリ。
type fakeFeedRepo struct {
	feeds       map[string]*model.Feed
	deactivated []string
}

func newFakeFeedRepo() *fakeFeedRepo {
	return &fakeFeedRepo{feeds: make(map[string]*model.Feed)}
}

func (f *fakeFeedRepo) FindByID(_ context.Context, id string) (*model.Feed, error) {
	return f.feeds[id], nil
}

func (f *fakeFeedRepo) FindBySlug(_ context.Context, slug string) (*model.Feed, error) {
	for _, feed := range f.feeds {
		if feed.Slug == slug && feed.IsActive {
			return feed, nil
		}
	}
	return nil, nil
}

func (f *fakeFeedRepo) FindActiveByIDs(_ context.Context, ids []string) ([]*model.Feed, error) {
	var out []*model.Feed
	for _, id := range ids {
		if feed, ok := f.feeds[id]; ok && feed.IsActive {
			out = append(out, feed)
		}
	}
	return out, nil
}

func (f *fakeFeedRepo) Create(_ context.Context, feed *model.Feed) error {
	f.feeds[feed.ID] = feed
	return nil
}

func (f *fakeFeedRepo) Update(_ context.Context, feed *model.Feed) error {
	f.feeds[feed.ID] = feed
	return nil
}

func (f *fakeFeedRepo) ListByUserID(_ context.Context, userID string) ([]*model.Feed, error) {
	var out []*model.Feed
	for _, feed := range f.feeds {
		if feed.UserID == userID {
			out = append(out, feed)
		}
	}
	return out, nil
}

func (f *fakeFeedRepo) CountActiveByUserID(_ context.Context, userID string) (int, error) {
	count := 0
	for _, feed := range f.feeds {
		if feed.UserID == userID && feed.IsActive {
			count++
		}
	}
	return count, nil
}

func (f *fakeFeedRepo) DeactivateCascade(_ context.Context, feedID string) error {
	if feed, ok := f.feeds[feedID]; ok {
		feed.IsActive = false
	}
	f.deactivated = append(f.deactivated, feedID)
	return nil
}

// fakeBundleRepo はテスト用のインメモリバンドルリポジトリ。
type fakeBundleRepo struct {
	bundles     map[string]*model.Bundle
	members     map[string][]string
	deactivated []string
}

func newFakeBundleRepo() *fakeBundleRepo {
	return &fakeBundleRepo{
		bundles: make(map[string]*model.Bundle),
		members: make(map[string][]string),
	}
}

func (f *fakeBundleRepo) FindByID(_ context.Context, id string) (*model.Bundle, error) {
	return f.bundles[id], nil
}

func (f *fakeBundleRepo) FindBySlug(_ context.Context, slug string) (*model.Bundle, error) {
	for _, b := range f.bundles {
		if b.Slug == slug && b.IsActive {
			return b, nil
		}
	}
	return nil, nil
}

func (f *fakeBundleRepo) Create(_ context.Context, bundle *model.Bundle, feedIDs []string) error {
	f.bundles[bundle.ID] = bundle
	f.members[bundle.ID] = append([]string(nil), feedIDs...)
	return nil
}

func (f *fakeBundleRepo) Update(_ context.Context, bundle *model.Bundle) error {
	f.bundles[bundle.ID] = bundle
	return nil
}

func (f *fakeBundleRepo) ListByUserID(_ context.Context, userID string) ([]*model.Bundle, error) {
	var out []*model.Bundle
	for _, b := range f.bundles {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBundleRepo) CountActiveByUserID(_ context.Context, userID string) (int, error) {
	count := 0
	for _, b := range f.bundles {
		if b.UserID == userID && b.IsActive {
			count++
		}
	}
	return count, nil
}

func (f *fakeBundleRepo) ListMemberFeedIDs(_ context.Context, bundleID string) ([]string, error) {
	return f.members[bundleID], nil
}

func (f *fakeBundleRepo) CountMembers(_ context.Context, bundleID string) (int, error) {
	return len(f.members[bundleID]), nil
}

func (f *fakeBundleRepo) AddMember(_ context.Context, bundleID, feedID string) error {
	for _, id := range f.members[bundleID] {
		if id == feedID {
			return repository.ErrDuplicateMember
		}
	}
	f.members[bundleID] = append(f.members[bundleID], feedID)
	return nil
}

func (f *fakeBundleRepo) RemoveMember(_ context.Context, bundleID, feedID string) (bool, error) {
	ids := f.members[bundleID]
	for i, id := range ids {
		if id == feedID {
			f.members[bundleID] = append(ids[:i], ids[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBundleRepo) DeactivateCascade(_ context.Context, bundleID string) error {
	if b, ok := f.bundles[bundleID]; ok {
		b.IsActive = false
	}
	f.deactivated = append(f.deactivated, bundleID)
	return nil
}

func testLimits() Limits {
	return Limits{MaxFeedsPerUser: 3, MaxBundlesPerUser: 2, MaxFeedsPerBundle: 2}
}

// TestGenerateSlug はスラッグ生成の正規化をテストする。
func TestGenerateSlug(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z0-9-]+$`)

	cases := []struct {
		name       string
		wantPrefix string
	}{
		{"Tech News Daily", "tech-news-daily-"},
		{"  GoLang & Rust!  ", "golang-rust-"},
		{"日本語のみ", ""},
	}
	for _, c := range cases {
		slug := GenerateSlug(c.name)
		if !pattern.MatchString(slug) {
			t.Errorf("GenerateSlug(%q) = %q: URLセーフではありません", c.name, slug)
		}
		if c.wantPrefix != "" && !strings.HasPrefix(slug, c.wantPrefix) {
			t.Errorf("GenerateSlug(%q) = %q: プレフィックスが%qではありません", c.name, slug, c.wantPrefix)
		}
	}

	// 同一名でも衝突しない
	if GenerateSlug("same") == GenerateSlug("same") {
		t.Error("同一名から生成したスラッグが衝突しました")
	}
}

// TestCreateFeed はフィード作成の正常系をテストする。
func TestCreateFeed(t *testing.T) {
	svc := NewService(newFakeFeedRepo(), newFakeBundleRepo(), testLimits())

	feed, err := svc.CreateFeed(context.Background(), "user-1", "key-1", CreateFeedInput{
		Name: "Tech News",
	})
	if err != nil {
		t.Fatalf("CreateFeedに失敗: %v", err)
	}

	if feed.ID == "" || feed.Slug == "" {
		t.Error("IDまたはスラッグが生成されていません")
	}
	if feed.DefaultFormat != model.FormatJSON {
		t.Errorf("デフォルトフォーマットがjsonではありません: %s", feed.DefaultFormat)
	}
	// フィルタはデフォルト値で正規化される
	if feed.Filters.Limit != 20 || feed.Filters.SortMode != model.SortByDate {
		t.Errorf("フィルタが正規化されていません: %+v", feed.Filters)
	}
	if !feed.IsActive {
		t.Error("作成直後のフィードがアクティブではありません")
	}
}

// TestCreateFeed_Limit はフィード作成数の上限をテストする。
func TestCreateFeed_Limit(t *testing.T) {
	svc := NewService(newFakeFeedRepo(), newFakeBundleRepo(), testLimits())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "feed"}); err != nil {
			t.Fatalf("CreateFeedに失敗: %v", err)
		}
	}

	_, err := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "over"})
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrCodeResourceLimit {
		t.Errorf("上限超過がRESOURCE_LIMITになりません: %v", err)
	}

	// 別ユーザーは影響を受けない
	if _, err := svc.CreateFeed(ctx, "user-2", "key-2", CreateFeedInput{Name: "other"}); err != nil {
		t.Errorf("別ユーザーのCreateFeedに失敗: %v", err)
	}
}

// TestGetFeed_Ownership は他ユーザーのフィードが見えないことをテストする。
func TestGetFeed_Ownership(t *testing.T) {
	svc := NewService(newFakeFeedRepo(), newFakeBundleRepo(), testLimits())
	ctx := context.Background()

	feed, err := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "mine"})
	if err != nil {
		t.Fatalf("CreateFeedに失敗: %v", err)
	}

	_, err = svc.GetFeed(ctx, "user-2", feed.ID)
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrCodeFeedNotFound {
		t.Errorf("他ユーザーのフィード取得がFEED_NOT_FOUNDになりません: %v", err)
	}
}

// TestUpdateFeed は部分更新をテストする。
func TestUpdateFeed(t *testing.T) {
	svc := NewService(newFakeFeedRepo(), newFakeBundleRepo(), testLimits())
	ctx := context.Background()

	feed, err := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "before"})
	if err != nil {
		t.Fatalf("CreateFeedに失敗: %v", err)
	}

	newName := "after"
	updated, err := svc.UpdateFeed(ctx, "user-1", feed.ID, UpdateFeedInput{Name: &newName})
	if err != nil {
		t.Fatalf("UpdateFeedに失敗: %v", err)
	}
	if updated.Name != "after" {
		t.Errorf("名前が更新されていません: %s", updated.Name)
	}
	if updated.Slug != feed.Slug {
		t.Errorf("スラッグが変更されています: %s", updated.Slug)
	}

	badFormat := model.OutputFormat("xml")
	if _, err := svc.UpdateFeed(ctx, "user-1", feed.ID, UpdateFeedInput{Format: &badFormat}); err == nil {
		t.Error("不正なフォーマットがエラーになりません")
	}
}

// TestCreateBundle_VerifiesOwnership はバンドル作成時のメンバー検証をテストする。
func TestCreateBundle_VerifiesOwnership(t *testing.T) {
	feedRepo := newFakeFeedRepo()
	svc := NewService(feedRepo, newFakeBundleRepo(), testLimits())
	ctx := context.Background()

	mine, _ := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "mine"})
	other, _ := svc.CreateFeed(ctx, "user-2", "key-2", CreateFeedInput{Name: "other"})

	if _, err := svc.CreateBundle(ctx, "user-1", "key-1", CreateBundleInput{
		Name: "ok", FeedIDs: []string{mine.ID},
	}); err != nil {
		t.Errorf("自分のフィードでのバンドル作成に失敗: %v", err)
	}

	_, err := svc.CreateBundle(ctx, "user-1", "key-1", CreateBundleInput{
		Name: "ng", FeedIDs: []string{other.ID},
	})
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrCodeFeedNotFound {
		t.Errorf("他ユーザーのフィード指定がFEED_NOT_FOUNDになりません: %v", err)
	}
}

// TestAddBundleMember はメンバー追加の重複と上限をテストする。
func TestAddBundleMember(t *testing.T) {
	svc := NewService(newFakeFeedRepo(), newFakeBundleRepo(), testLimits())
	ctx := context.Background()

	f1, _ := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "f1"})
	f2, _ := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "f2"})
	f3, _ := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "f3"})

	bundle, err := svc.CreateBundle(ctx, "user-1", "key-1", CreateBundleInput{
		Name: "b", FeedIDs: []string{f1.ID},
	})
	if err != nil {
		t.Fatalf("CreateBundleに失敗: %v", err)
	}

	// 重複追加
	err = svc.AddBundleMember(ctx, "user-1", bundle.ID, f1.ID)
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrCodeDuplicateMember {
		t.Errorf("重複追加がDUPLICATE_BUNDLE_MEMBERになりません: %v", err)
	}

	if err := svc.AddBundleMember(ctx, "user-1", bundle.ID, f2.ID); err != nil {
		t.Fatalf("AddBundleMemberに失敗: %v", err)
	}

	// 上限（MaxFeedsPerBundle=2）超過
	err = svc.AddBundleMember(ctx, "user-1", bundle.ID, f3.ID)
	apiErr, ok = err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrCodeResourceLimit {
		t.Errorf("メンバー上限超過がRESOURCE_LIMITになりません: %v", err)
	}
}

// TestDeleteFeed_Cascade は削除がカスケード無効化を呼ぶことをテストする。
func TestDeleteFeed_Cascade(t *testing.T) {
	feedRepo := newFakeFeedRepo()
	svc := NewService(feedRepo, newFakeBundleRepo(), testLimits())
	ctx := context.Background()

	feed, _ := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "doomed"})
	if err := svc.DeleteFeed(ctx, "user-1", feed.ID); err != nil {
		t.Fatalf("DeleteFeedに失敗: %v", err)
	}

	if len(feedRepo.deactivated) != 1 || feedRepo.deactivated[0] != feed.ID {
		t.Errorf("DeactivateCascadeが呼ばれていません: %v", feedRepo.deactivated)
	}
}

// TestMemberFeeds_ExcludesInactive は無効化済みメンバーが除外されることをテストする。
func TestMemberFeeds_ExcludesInactive(t *testing.T) {
	feedRepo := newFakeFeedRepo()
	svc := NewService(feedRepo, newFakeBundleRepo(), testLimits())
	ctx := context.Background()

	f1, _ := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "alive"})
	f2, _ := svc.CreateFeed(ctx, "user-1", "key-1", CreateFeedInput{Name: "dead"})
	bundle, _ := svc.CreateBundle(ctx, "user-1", "key-1", CreateBundleInput{
		Name: "b", FeedIDs: []string{f1.ID, f2.ID},
	})

	feedRepo.feeds[f2.ID].IsActive = false

	feeds, err := svc.MemberFeeds(ctx, bundle.ID)
	if err != nil {
		t.Fatalf("MemberFeedsに失敗: %v", err)
	}
	if len(feeds) != 1 || feeds[0].ID != f1.ID {
		t.Errorf("無効化済みメンバーが除外されていません: %+v", feeds)
	}
}
