package models

import "time"

// Scheduled post statuses. A post only ever moves scheduled -> posted or
// scheduled -> failed; a failed post returns to scheduled only through an
// explicit reschedule.
const (
	PostStatusScheduled = "scheduled"
	PostStatusPosted    = "posted"
	PostStatusFailed    = "failed"
)

type ScheduledPost struct {
	ID       string `json:"id"`
	OwnerID  string `json:"ownerId"`
	Platform string `json:"platform"`

	Content  string  `json:"content"`
	MediaRef *string `json:"mediaRef,omitempty"`

	// Platform-specific optionals; only the fields relevant to Platform are set.
	BoardID         *string `json:"boardId,omitempty"`
	Title           *string `json:"title,omitempty"`
	PrivacyLevel    *string `json:"privacyLevel,omitempty"`
	TargetAccountID *string `json:"targetAccountId,omitempty"`

	ScheduledAt   time.Time  `json:"scheduledAt"`
	Status        string     `json:"status"`
	ExternalID    *string    `json:"externalId,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty"`
	PublishedAt   *time.Time `json:"publishedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type PlatformCredential struct {
	OwnerID       string     `json:"ownerId"`
	Platform      string     `json:"platform"`
	SubIdentifier *string    `json:"subIdentifier,omitempty"`
	AccessToken   string     `json:"-"`
	RefreshToken  string     `json:"-"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Scopes        []string   `json:"scopes,omitempty"`
	IsActive      bool       `json:"isActive"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type Notification struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      *string    `json:"body,omitempty"`
	URL       *string    `json:"url,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}
