package main

import "strings"

// ErrorKind is the small, stable taxonomy of user-facing extraction failures.
type ErrorKind string

const (
	KindBotCheck      ErrorKind = "bot_check"
	KindPrivate       ErrorKind = "private"
	KindAgeRestricted ErrorKind = "age_restricted"
	KindMembersOnly   ErrorKind = "members_only"
	KindCopyright     ErrorKind = "copyright"
	KindRateLimited   ErrorKind = "rate_limited"
	KindGeoBlocked    ErrorKind = "geo_blocked"
	KindRemoved       ErrorKind = "removed"
	KindUnavailable   ErrorKind = "unavailable"
)

// ClassifiedError maps raw extraction-tool output to a stable failure kind
// with a message suitable for end users. Detail carries the trimmed raw
// output for logs.
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
	Detail  string
}

func (e *ClassifiedError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// classifyRule is one substring predicate; every needle must appear in the
// lowercased output for the rule to match.
type classifyRule struct {
	needles []string
	kind    ErrorKind
	message string
}

// classifyRules is evaluated in order, first match wins. The extraction
// tool's diagnostic text is free-form and changes across releases, so the
// rules are best-effort; anything unmatched falls through to the catch-all.
// Rules for specific conditions (age gate, members-only) sit above the
// broader ones they overlap with.
var classifyRules = []classifyRule{
	{[]string{"not a bot"}, KindBotCheck, "The platform is blocking automated access for this video. Please try again later."},
	{[]string{"confirm your age"}, KindAgeRestricted, "This video is age-restricted and cannot be converted."},
	{[]string{"age-restricted"}, KindAgeRestricted, "This video is age-restricted and cannot be converted."},
	{[]string{"private video"}, KindPrivate, "This video is private."},
	{[]string{"members-only"}, KindMembersOnly, "This video is available to channel members only."},
	{[]string{"join this channel"}, KindMembersOnly, "This video is available to channel members only."},
	{[]string{"copyright"}, KindCopyright, "This video is blocked for copyright reasons."},
	{[]string{"http error 429"}, KindRateLimited, "The platform is rate limiting requests. Please try again later."},
	{[]string{"too many requests"}, KindRateLimited, "The platform is rate limiting requests. Please try again later."},
	{[]string{"not available in your country"}, KindGeoBlocked, "This video is not available in this region."},
	{[]string{"video unavailable", "removed"}, KindRemoved, "This video has been removed."},
	{[]string{"no longer available"}, KindRemoved, "This video has been removed."},
}

// classifyExtractorOutput maps captured stderr to a ClassifiedError. It never
// fails: unmatched output degrades to the catch-all unavailable kind.
func classifyExtractorOutput(raw string) *ClassifiedError {
	lower := strings.ToLower(raw)
	for _, rule := range classifyRules {
		matched := true
		for _, needle := range rule.needles {
			if !strings.Contains(lower, needle) {
				matched = false
				break
			}
		}
		if matched {
			return &ClassifiedError{Kind: rule.kind, Message: rule.message, Detail: strings.TrimSpace(raw)}
		}
	}
	return &ClassifiedError{
		Kind:    KindUnavailable,
		Message: "This video could not be converted. It may be unavailable.",
		Detail:  strings.TrimSpace(raw),
	}
}
