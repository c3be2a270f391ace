package models

// User and Post are read models owned by the profile and post services.
// Only the fields the realtime side needs are mapped.

type User struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	DisplayName     string `json:"displayName"`
	ProfileImageRef string `json:"profileImageRef,omitempty"`
}

type Post struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	OwnerID uint64 `gorm:"not null;index" json:"ownerId,string"`
	Title   string `json:"title"`
}

// PostOwner is what the post lookup returns for a post.
type PostOwner struct {
	PostID          uint64 `json:"postId,string"`
	Title           string `json:"title"`
	OwnerID         uint64 `json:"ownerId,string"`
	DisplayName     string `json:"displayName"`
	ProfileImageRef string `json:"profileImageRef,omitempty"`
}
