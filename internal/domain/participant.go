package domain

// Participant represents a remote user's presence meta in a voice channel.
// No transport or media lifecycle logic here.
type Participant struct {
	User           *User
	PeerID         PeerID
	IsTransmitting bool
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(user *User, peerID PeerID) *Participant {
	return &Participant{User: user, PeerID: peerID}
}
