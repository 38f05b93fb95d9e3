package core

import "github.com/callsheet/voicemesh/internal/domain"

// PeerView is a read-only snapshot of one remote peer (no media or
// transport fields). What UIs and tests consume.
type PeerView struct {
	UserID         domain.UserID `json:"user_id"`
	Username       string        `json:"username"`
	PeerID         domain.PeerID `json:"peer_id"`
	IsTransmitting bool          `json:"is_transmitting"`
}
