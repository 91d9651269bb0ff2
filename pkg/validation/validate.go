// Package validation guards outbound writes before they reach the portal,
// so obviously malformed drafts fail locally instead of burning a round
// trip on a guaranteed 400.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatsync/pkg/models"
)

// MaxContentLen mirrors the portal's server-side message length limit.
const MaxContentLen = 4000

var validReactions = map[models.ReactionType]struct{}{
	models.ReactionLike:      {},
	models.ReactionLove:      {},
	models.ReactionLaugh:     {},
	models.ReactionSurprised: {},
	models.ReactionSad:       {},
	models.ReactionCelebrate: {},
}

var validConversationTypes = map[models.ConversationType]struct{}{
	models.ConversationDirect:       {},
	models.ConversationGroup:        {},
	models.ConversationDepartment:   {},
	models.ConversationAnnouncement: {},
}

// ValidateDraft checks an outgoing message before the optimistic append.
// A draft needs either non-blank content or at least one attachment.
func ValidateDraft(conversationID, content string, attachments []models.Attachment) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return errors.New("message needs content or attachments")
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLen {
		return fmt.Errorf("message content exceeds %d characters (%d)", MaxContentLen, n)
	}
	for _, a := range attachments {
		if a.ID == "" {
			return errors.New("attachment reference missing id")
		}
	}
	return nil
}

// ValidateReaction checks a reaction type against the portal's fixed set.
func ValidateReaction(typ models.ReactionType) error {
	if _, ok := validReactions[typ]; !ok {
		return fmt.Errorf("unknown reaction type %q", typ)
	}
	return nil
}

// ValidateConversationCreate checks a conversation creation payload. Direct
// conversations are implicitly named after their participants; every other
// type needs an explicit name.
func ValidateConversationCreate(typ models.ConversationType, name string, participantIDs []string) error {
	if _, ok := validConversationTypes[typ]; !ok {
		return fmt.Errorf("unknown conversation type %q", typ)
	}
	if typ != models.ConversationDirect && strings.TrimSpace(name) == "" {
		return fmt.Errorf("%s conversation requires a name", typ)
	}
	if typ == models.ConversationDirect && len(participantIDs) != 1 {
		return errors.New("direct conversation requires exactly one other participant")
	}
	return nil
}
