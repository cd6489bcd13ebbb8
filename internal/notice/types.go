package notice

import (
	"fmt"
	"time"
)

// State is the publish state of a category. Only deliverable states dispatch.
type State int8

const (
	StateDeleted            State = -1
	StateDraft              State = 0
	StatePublished          State = 1
	StatePublishedStaffOnly State = 2
)

func (s State) Deliverable() bool { return s >= StatePublished }

func (s State) String() string {
	switch s {
	case StateDeleted:
		return "deleted"
	case StateDraft:
		return "draft"
	case StatePublished:
		return "published"
	case StatePublishedStaffOnly:
		return "published_staff_only"
	default:
		return fmt.Sprintf("state(%d)", int8(s))
	}
}

// ParseState accepts the names produced by State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "deleted":
		return StateDeleted, nil
	case "draft":
		return StateDraft, nil
	case "", "published":
		return StatePublished, nil
	case "published_staff_only":
		return StatePublishedStaffOnly, nil
	}
	return 0, fmt.Errorf("unknown category state %q", s)
}

// Category is a notice type, e.g. "comment_received".
//
// Default is the spam sensitivity: a channel is on by default for this
// category when its own sensitivity is <= Default.
type Category struct {
	ID          int64
	Label       string
	Display     string
	PastTense   string
	Description string
	Default     int
	State       State
}

// User is the subset of an account the dispatcher needs.
type User struct {
	ID       int64
	Username string
	FullName string
	Email    string
	IsActive bool
	IsStaff  bool
	// URL is the user's canonical profile url.
	URL string
	// ChatID is the Telegram chat bound to the user (0 if none).
	ChatID int64
}

func (u User) Ref() EntityRef { return EntityRef{Kind: KindUser, ID: u.ID} }

// DisplayName falls back to the username when no full name is set.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// UserID returns the id of u, or nil for a nil user.
func UserID(u *User) *int64 {
	if u == nil {
		return nil
	}
	id := u.ID
	return &id
}

// Scope narrows a preference to an owning entity (e.g. a group).
// The zero value means "unscoped".
type Scope struct {
	Kind string
	ID   int64
}

func (s Scope) IsZero() bool { return s.Kind == "" && s.ID == 0 }

func (s Scope) String() string {
	if s.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// Preference is a per-user opt-in/opt-out for one category on one channel.
// (UserID, CategoryID, Channel, Scope) is unique.
type Preference struct {
	UserID     int64
	CategoryID int64
	Channel    string
	Scope      Scope
	Send       bool
}

// Notice is an on-site notice record.
type Notice struct {
	ID          int64
	RecipientID int64
	SenderID    *int64
	CategoryID  int64
	Message     string
	AddedAt     time.Time
	Unseen      bool
	Archived    bool
	OnSite      bool
	TargetURL   *string
	SiteID      int64
}

// Key identifies notices that collapse under duplicate suppression.
type Key struct {
	RecipientID int64
	SenderID    int64 // 0 when there is no sender
	CategoryID  int64
	TargetURL   string
	SiteID      int64
}

func (n Notice) Key() Key {
	k := Key{RecipientID: n.RecipientID, CategoryID: n.CategoryID, SiteID: n.SiteID}
	if n.SenderID != nil {
		k.SenderID = *n.SenderID
	}
	if n.TargetURL != nil {
		k.TargetURL = *n.TargetURL
	}
	return k
}

// LastSeen records the newest notice a recipient has acknowledged.
type LastSeen struct {
	RecipientID int64
	NoticeID    int64
	SeenAt      time.Time
}

// Medium describes a delivery channel: its id and spam sensitivity.
// Lower sensitivity channels are defaulted on for more categories.
type Medium struct {
	ID          string
	Sensitivity int
}

// DefaultSend is the preference used when a user has no explicit row.
func (m Medium) DefaultSend(c Category) bool { return c.Default >= m.Sensitivity }
