package storage

import (
	"context"
	"crewlink/backend/internal/models"
	"fmt"
)

// GetPostOwner joins the post with its owner's profile. A missing profile row
// still resolves the owner id.
func (s *Service) GetPostOwner(ctx context.Context, postID uint64) (*models.PostOwner, error) {
	var post models.Post
	if err := s.DB.WithContext(ctx).First(&post, "id = ?", postID).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("post %d", postID))
	}

	owner := &models.PostOwner{PostID: post.ID, Title: post.Title, OwnerID: post.OwnerID}
	var user models.User
	res := s.DB.WithContext(ctx).Where("id = ?", post.OwnerID).Limit(1).Find(&user)
	if res.Error != nil {
		return nil, translate(res.Error, fmt.Sprintf("user %d", post.OwnerID))
	}
	if res.RowsAffected > 0 {
		owner.DisplayName = user.DisplayName
		owner.ProfileImageRef = user.ProfileImageRef
	}
	return owner, nil
}

// SaveUser upserts a user read model row.
func (s *Service) SaveUser(ctx context.Context, user *models.User) error {
	return translate(s.DB.WithContext(ctx).Save(user).Error, "save user")
}

// SavePost upserts a post read model row.
func (s *Service) SavePost(ctx context.Context, post *models.Post) error {
	return translate(s.DB.WithContext(ctx).Save(post).Error, "save post")
}
