package router

import (
	"regexp"
	"strings"
)

// Mention is an @{localpart}:{server} token lifted from a message body,
// mirroring protocol user-id syntax. Server ports are allowed.
var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9._=/-]+):([a-zA-Z0-9.-]+(?::[0-9]+)?)`)

type Mention struct {
	Localpart string
	Server    string
}

// FindMentions extracts every mention token from body, in order of
// appearance. Tokens are syntactic only; the caller decides whether a
// localpart names a known agent.
func FindMentions(body string) []Mention {
	matches := mentionPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]Mention, 0, len(matches))
	for _, m := range matches {
		mentions = append(mentions, Mention{Localpart: m[1], Server: m[2]})
	}
	return mentions
}

// MatchesServer reports whether the mention targets the given homeserver
// name, compared case-insensitively.
func (m Mention) MatchesServer(server string) bool {
	return strings.EqualFold(m.Server, server)
}
