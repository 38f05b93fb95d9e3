package domain

// ChannelID names a voice channel a user can occupy. At most one is
// active per client; joining a new one implicitly leaves the previous.
// PeerID identifies one media endpoint within a channel.
type (
	ChannelID string
	PeerID    string
)
