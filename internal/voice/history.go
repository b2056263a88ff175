package voice

import "github.com/ent0n29/pitchcoach/internal/transcript"

// WindowHistory returns the context sent along with a dispatched utterance:
// the last maxMessages messages before it, excluding the utterance itself.
func WindowHistory(messages []transcript.Message, pendingID string, maxMessages int) []transcript.Entry {
	if maxMessages <= 0 {
		return []transcript.Entry{}
	}
	prior := make([]transcript.Message, 0, len(messages))
	for _, m := range messages {
		if m.ID == pendingID {
			continue
		}
		prior = append(prior, m)
	}
	if len(prior) > maxMessages {
		prior = prior[len(prior)-maxMessages:]
	}
	return transcript.Entries(prior)
}
