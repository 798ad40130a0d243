package message

import (
	"fmt"
	"strings"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// ParseVisibility accepts the lower-case names; "" maps to public.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return VisibilityPublic, nil
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityDirect:
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown visibility %q", ErrValidation, s)
	}
}

type Reply string

const (
	RepliesEveryone       Reply = "everyone"
	RepliesFollowers      Reply = "followers"
	RepliesFollowing      Reply = "following"
	RepliesMentionedUsers Reply = "mentioned_users"
	RepliesNoOne          Reply = "no_one"
)

// Metadata is optional per-message context.
type Metadata struct {
	Language       string
	Visibility     Visibility
	Label          string
	AllowedReplies []Reply
	Extra          map[string]string
}

// Validate rejects unknown visibilities and reply rules, and "everyone"
// combined with anything else.
func (md Metadata) Validate() error {
	if md.Visibility != "" {
		if _, err := ParseVisibility(string(md.Visibility)); err != nil {
			return err
		}
	}
	everyone := false
	for _, r := range md.AllowedReplies {
		switch r {
		case RepliesEveryone:
			everyone = true
		case RepliesFollowers, RepliesFollowing, RepliesMentionedUsers, RepliesNoOne:
		default:
			return fmt.Errorf("%w: unknown reply rule %q", ErrValidation, r)
		}
	}
	if everyone && len(md.AllowedReplies) > 1 {
		return fmt.Errorf("%w: %q cannot be combined with other reply rules", ErrValidation, RepliesEveryone)
	}
	return nil
}

// EffectiveReplies resolves the reply rules: nil means everyone may reply,
// an empty non-nil slice means nobody may. no_one dominates every other rule.
func (md Metadata) EffectiveReplies() []Reply {
	if len(md.AllowedReplies) == 0 {
		return nil
	}
	out := make([]Reply, 0, len(md.AllowedReplies))
	for _, r := range md.AllowedReplies {
		switch r {
		case RepliesNoOne:
			return []Reply{}
		case RepliesEveryone:
			return nil
		}
		out = append(out, r)
	}
	return out
}

func (md Metadata) clone() Metadata {
	cp := md
	if md.AllowedReplies != nil {
		cp.AllowedReplies = append([]Reply(nil), md.AllowedReplies...)
	}
	if md.Extra != nil {
		cp.Extra = make(map[string]string, len(md.Extra))
		for k, v := range md.Extra {
			cp.Extra[k] = v
		}
	}
	return cp
}
