package twitchchat

import "strings"

// Message is one chat line attributed to a platform identity. UserID falls
// back to "unknown" and DisplayName to the prefix nick (or "twitch-user")
// when the server omits tags.
type Message struct {
	UserID      string
	DisplayName string
	Text        string
}

// parseTags splits an IRCv3 tag blob ("k=v;k2=v2") into a map. Values keep
// their raw escaping; the tags we read (user-id, display-name) never contain
// escaped characters.
func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		tags[k] = v
	}
	return tags
}

// parsePrivMsg extracts the sender and text from a PRIVMSG line. Returns
// ok=false for any other command. Both tagged and untagged lines are
// accepted; Twitch sends tags once the tags capability is acknowledged.
func parsePrivMsg(line string) (Message, bool) {
	var tags map[string]string
	rest := line
	if strings.HasPrefix(rest, "@") {
		tagBlob, after, found := strings.Cut(rest[1:], " ")
		if !found {
			return Message{}, false
		}
		tags = parseTags(tagBlob)
		rest = after
	}
	if !strings.HasPrefix(rest, ":") {
		return Message{}, false
	}
	prefix, after, found := strings.Cut(rest[1:], " ")
	if !found {
		return Message{}, false
	}
	if !strings.HasPrefix(after, "PRIVMSG ") {
		return Message{}, false
	}
	_, text, found := strings.Cut(after, " :")
	if !found {
		return Message{}, false
	}

	msg := Message{Text: text}
	if tags != nil {
		msg.UserID = tags["user-id"]
		msg.DisplayName = tags["display-name"]
	}
	if msg.UserID == "" {
		msg.UserID = "unknown"
	}
	if msg.DisplayName == "" {
		// nick!user@host
		if nick, _, ok := strings.Cut(prefix, "!"); ok && nick != "" {
			msg.DisplayName = nick
		} else {
			msg.DisplayName = "twitch-user"
		}
	}
	return msg, true
}
