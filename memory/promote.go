package memory

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// PromptInvalidator lets anchor writes drop any cached prompt for the
// affected (user, project). Invalidation is synchronous with the write but
// best-effort: a failure is logged, never fatal.
type PromptInvalidator interface {
	InvalidatePrompt(userID, projectID string)
}

// Promoter detects identity-level facts and writes them as anchors. Two
// paths run per turn: deterministic pattern rules over the raw user text,
// and a fixed mapping from extracted fact keys.
type Promoter struct {
	store       *Store
	invalidator PromptInvalidator
	logger      zerolog.Logger
}

// NewPromoter creates a Promoter. invalidator may be nil when no prompt
// cache is wired.
func NewPromoter(store *Store, invalidator PromptInvalidator, logger zerolog.Logger) *Promoter {
	return &Promoter{
		store:       store,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "anchor_promoter").Logger(),
	}
}

var (
	callMeRe = regexp.MustCompile(`(?i)\b(?:please\s+)?(?:just\s+)?call\s+me\s+["“]?([A-Za-z0-9][A-Za-z0-9 _\-]{0,40}?)["”]?(?:[.,!?]|$)`)

	youCanCallMeRe = regexp.MustCompile(`(?i)\byou\s+can\s+call\s+me\s+["“]?([A-Za-z0-9][A-Za-z0-9 _\-]{0,40}?)["”]?(?:[.,!?]|$)`)

	myNameIsRe = regexp.MustCompile(`(?i)\bmy\s+name\s+is\s+["“]?([A-Za-z0-9][A-Za-z0-9 _\-]{0,40}?)["”]?(?:[.,!?]|$)`)

	preferredNameRe = regexp.MustCompile(`(?i)\bpreferred\s+(?:name|address|salutation|way\s+to\s+address\s+me)\s+(?:is|=)\s+["“]?([A-Za-z0-9][A-Za-z0-9 _\-]{0,40}?)["”]?(?:[.,!?]|$)`)

	doNotCallRe = regexp.MustCompile(`(?i)\b(?:do\s+not|don['’]t)\s+call\s+me\s+["“]?([A-Za-z0-9][A-Za-z0-9 _\-]{0,40}?)["”]?(?:[.,!?]|$)`)

	avoidRealNameRe = regexp.MustCompile(`(?i)\b(?:do\s+not|don['’]t)\s+use\s+my\s+(?:real\s+)?name\b`)
)

// derivedAnchorKeys maps extracted fact keys to the anchor they promote.
var derivedAnchorKeys = map[string]string{
	"preferences.preferred_address": AnchorPreferredAddress,
	"preferences.preferred_name":    AnchorPreferredAddress,
	"identity.preferred_name":       AnchorPreferredAddress,
	"user.preferred_name":           AnchorPreferredAddress,
	"user.display_name":             AnchorDisplayName,
}

// PromoteIdentityAnchors applies both detection paths over one turn. It is
// a no-op without a project scope. Individual anchor write failures are
// logged and do not abort the remaining writes.
func (p *Promoter) PromoteIdentityAnchors(ctx context.Context, userID, projectID, userText string, extracted []UpsertItem) {
	if projectID == "" {
		return
	}

	// Negative directives first so "Don't call me Mike. Call me Dude."
	// records the rejection before the preference.
	for _, m := range doNotCallRe.FindAllStringSubmatch(userText, -1) {
		rejected := strings.TrimSpace(m[1])
		if rejected == "" {
			continue
		}
		p.mergeDoNotCall(ctx, userID, projectID, rejected)
	}
	if avoidRealNameRe.MatchString(userText) {
		p.setAnchor(ctx, userID, projectID, AnchorWrite{
			Key: AnchorAvoidRealName, Value: "true",
			DisplayText: "Do not use the user's real name",
			Pinned:      true, Locked: true,
		})
	}

	// Strip the negative directives so "call me" inside "don't call me X"
	// cannot register as a preference.
	positiveText := doNotCallRe.ReplaceAllString(userText, " ")

	preferred := firstMatch(positiveText, preferredNameRe, callMeRe, youCanCallMeRe)
	if preferred != "" {
		p.setAnchor(ctx, userID, projectID, AnchorWrite{
			Key: AnchorPreferredAddress, Value: preferred,
			DisplayText: "Preferred address: " + preferred,
			Pinned:      true, Locked: true,
		})
		p.setAnchor(ctx, userID, projectID, AnchorWrite{
			Key: AnchorDisplayName, Value: preferred,
			DisplayText: "User display name: " + preferred,
			Pinned:      true, Locked: true,
		})
	}

	if legal := firstMatch(positiveText, myNameIsRe); legal != "" {
		p.setAnchor(ctx, userID, projectID, AnchorWrite{
			Key: AnchorLegalName, Value: legal,
			DisplayText: "User legal/given name: " + legal,
			Pinned:      false, Locked: true,
		})
	}

	for _, it := range extracted {
		key := strings.TrimSpace(it.Key)
		anchorKey, ok := derivedAnchorKeys[key]
		if !ok {
			continue
		}
		val := strings.TrimSpace(ValueText(it.Value.Normalize()))
		if val == "" {
			continue
		}
		display := "User display name: " + val
		if anchorKey == AnchorPreferredAddress {
			display = "Preferred address: " + val
		}
		p.setAnchor(ctx, userID, projectID, AnchorWrite{
			Key: anchorKey, Value: val,
			DisplayText: display,
			Pinned:      true, Locked: true,
		})
	}
}

// mergeDoNotCall set-unions the rejected name into the accumulator anchor.
func (p *Promoter) mergeDoNotCall(ctx context.Context, userID, projectID, rejected string) {
	existing := ""
	anchors, err := p.store.ProjectAnchors(ctx, userID, projectID)
	if err != nil {
		p.logger.Warn().Err(err).Msg("loading anchors for do_not_call merge failed, starting fresh")
	} else {
		for _, a := range anchors {
			if a.Key == AnchorDoNotCall {
				existing = ValueText(a.Value)
				break
			}
		}
	}

	merged := MergeAnchorList(existing, rejected)
	p.setAnchor(ctx, userID, projectID, AnchorWrite{
		Key: AnchorDoNotCall, Value: merged,
		DisplayText: "Do not call the user: " + merged,
		Pinned:      true, Locked: true,
	})
}

func (p *Promoter) setAnchor(ctx context.Context, userID, projectID string, w AnchorWrite) {
	updated, err := p.store.SetAnchor(ctx, userID, projectID, w)
	if err != nil {
		p.logger.Error().Err(err).Str("key", w.Key).Msg("anchor write failed")
		return
	}
	p.logger.Info().Str("key", w.Key).Bool("updated", updated).Msg("anchor written")

	if p.invalidator != nil {
		p.invalidator.InvalidatePrompt(userID, projectID)
	}
}

func firstMatch(text string, patterns ...*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}
