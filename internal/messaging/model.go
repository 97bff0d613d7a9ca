package messaging

import (
	"time"

	"github.com/wavelink/backend/internal/snowflake"
)

// ChannelType enumerates conversation kinds.
type ChannelType string

const (
	// ChannelTypeDirect is a two-party conversation.
	ChannelTypeDirect ChannelType = "DIRECT"
)

// Channel is a persisted conversation. Direct channels store their two
// participants ordered so the pair is unique regardless of who created it.
type Channel struct {
	ID         snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Type       ChannelType  `gorm:"column:type;size:16;not null" json:"type"`
	LowUserID  snowflake.ID `gorm:"column:low_user_id;not null;uniqueIndex:idx_direct_pair" json:"-"`
	HighUserID snowflake.ID `gorm:"column:high_user_id;not null;uniqueIndex:idx_direct_pair" json:"-"`
	CreatedAt  time.Time    `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName exposes the table backing channels.
func (Channel) TableName() string {
	return "channels"
}

// Counterpart returns the participant that is not userID.
func (c Channel) Counterpart(userID snowflake.ID) snowflake.ID {
	if c.LowUserID == userID {
		return c.HighUserID
	}
	return c.LowUserID
}

// Message is one persisted chat message.
type Message struct {
	ID        snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ChannelID snowflake.ID `gorm:"column:channel_id;not null;index" json:"channelId"`
	AuthorID  snowflake.ID `gorm:"column:author_id;not null" json:"authorId"`
	Content   string       `gorm:"column:content;type:text;not null" json:"content"`
	SentOn    time.Time    `gorm:"column:sent_on;not null" json:"sentOn"`
}

// TableName exposes the table backing messages.
func (Message) TableName() string {
	return "messages"
}

func orderedPair(a, b snowflake.ID) (snowflake.ID, snowflake.ID) {
	if a <= b {
		return a, b
	}
	return b, a
}
