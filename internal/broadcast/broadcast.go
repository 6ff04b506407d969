// Package broadcast fans a message out to the members of one session.
package broadcast

import "log/slog"

// Membership is satisfied by *router.Router.
type Membership interface {
	MembersOf(sessionID string) []string
}

// Sender is satisfied by *registry.Registry. Send must not block.
type Sender interface {
	Send(id string, msg []byte) bool
}

type Result struct {
	Delivered int
	Dropped   int
}

type Broadcaster struct {
	members Membership
	sender  Sender
	logger  *slog.Logger
}

func New(members Membership, sender Sender, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{members: members, sender: sender, logger: logger}
}

// Publish delivers msg to every member of the session, the sender included.
func (b *Broadcaster) Publish(sessionID string, msg []byte) Result {
	return b.PublishExcept(sessionID, msg, "")
}

// PublishExcept delivers msg to every member except exclude. Each recipient
// is independent: a dropped send is counted and the loop moves on.
func (b *Broadcaster) PublishExcept(sessionID string, msg []byte, exclude string) Result {
	var res Result
	for _, id := range b.members.MembersOf(sessionID) {
		if id == exclude {
			continue
		}
		if b.sender.Send(id, msg) {
			res.Delivered++
			continue
		}
		res.Dropped++
		b.logger.Warn("dropped message for slow consumer", "session", sessionID, "clientID", id)
	}
	return res
}
