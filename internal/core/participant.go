package core

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
)

// ParticipantKind discriminates a ParticipantRef.
type ParticipantKind uint8

const (
	MemberKind ParticipantKind = iota + 1
	ExternalKind
)

func (k ParticipantKind) String() string {
	switch k {
	case MemberKind:
		return "member"
	case ExternalKind:
		return "external"
	}
	return "unknown"
}

// ParticipantRef identifies a ledger node: a household member by user id or
// an external participant by normalized email. It is comparable and safe to
// use as a map key.
type ParticipantRef struct {
	Kind   ParticipantKind
	UserID int64
	Email  string
}

// Member references an authenticated household member.
func Member(userID int64) ParticipantRef {
	return ParticipantRef{Kind: MemberKind, UserID: userID}
}

// External references a non-member by email. The email is normalized.
func External(email string) (ParticipantRef, error) {
	p := ParticipantRef{Kind: ExternalKind, Email: NormalizeEmail(email)}
	if err := p.Validate(); err != nil {
		return ParticipantRef{}, err
	}
	return p, nil
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate checks the reference is well formed.
func (p ParticipantRef) Validate() error {
	switch p.Kind {
	case MemberKind:
		if p.UserID <= 0 || p.Email != "" {
			return fmt.Errorf("%w: member id %d", ErrInvalidParticipant, p.UserID)
		}
	case ExternalKind:
		if p.UserID != 0 || p.Email == "" || p.Email != NormalizeEmail(p.Email) {
			return fmt.Errorf("%w: external email %q", ErrInvalidParticipant, p.Email)
		}
		addr, err := mail.ParseAddress(p.Email)
		if err != nil || addr.Address != p.Email {
			return fmt.Errorf("%w: external email %q", ErrInvalidParticipant, p.Email)
		}
	default:
		return fmt.Errorf("%w: unknown kind", ErrInvalidParticipant)
	}
	return nil
}

// IsMember reports whether p is a household member.
func (p ParticipantRef) IsMember() bool { return p.Kind == MemberKind }

// Key is the stable string form: "m:<user id>" or "x:<email>".
func (p ParticipantRef) Key() string {
	switch p.Kind {
	case MemberKind:
		return "m:" + strconv.FormatInt(p.UserID, 10)
	case ExternalKind:
		return "x:" + p.Email
	}
	return ""
}

func (p ParticipantRef) String() string { return p.Key() }

// ParseParticipantKey is the inverse of Key.
func ParseParticipantKey(key string) (ParticipantRef, error) {
	prefix, rest, ok := strings.Cut(key, ":")
	if !ok {
		return ParticipantRef{}, fmt.Errorf("%w: key %q", ErrInvalidParticipant, key)
	}
	switch prefix {
	case "m":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return ParticipantRef{}, fmt.Errorf("%w: key %q", ErrInvalidParticipant, key)
		}
		p := Member(id)
		return p, p.Validate()
	case "x":
		return External(rest)
	}
	return ParticipantRef{}, fmt.Errorf("%w: key %q", ErrInvalidParticipant, key)
}

// Less orders participants: members before externals, members by id,
// externals by email. Every tie-break in the ledger uses this order.
func (p ParticipantRef) Less(o ParticipantRef) bool {
	if p.Kind != o.Kind {
		return p.Kind < o.Kind
	}
	if p.Kind == MemberKind {
		return p.UserID < o.UserID
	}
	return p.Email < o.Email
}

// ExternalParticipant carries the contact details of a non-member. Only the
// email is identity; name and phone are informational.
type ExternalParticipant struct {
	Email string
	Phone string
	Name  string
}

// Ref returns the ledger reference for e.
func (e ExternalParticipant) Ref() (ParticipantRef, error) {
	return External(e.Email)
}

// Normalize returns e with a normalized email and trimmed fields.
func (e ExternalParticipant) Normalize() ExternalParticipant {
	return ExternalParticipant{
		Email: NormalizeEmail(e.Email),
		Phone: strings.TrimSpace(e.Phone),
		Name:  strings.TrimSpace(e.Name),
	}
}

// Validate requires a usable email and a name.
func (e ExternalParticipant) Validate() error {
	if _, err := e.Ref(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: external participant %q has no name", ErrInvalidParticipant, e.Email)
	}
	return nil
}
