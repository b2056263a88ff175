package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Message is one finalized utterance or AI reply. Messages are never mutated
// after creation.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Audio     string    `json:"audioContent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is the projection of a message sent to the coach services. Ids and
// audio payloads never leave the process.
type Entry struct {
	Text   string `json:"text"`
	Sender Sender `json:"sender"`
}

func NewUserMessage(text string) Message {
	return newMessage(SenderUser, text, "")
}

func NewAIMessage(text, audio string) Message {
	return newMessage(SenderAI, text, audio)
}

func newMessage(sender Sender, text, audio string) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      strings.TrimSpace(text),
		Sender:    sender,
		Audio:     strings.TrimSpace(audio),
		CreatedAt: time.Now().UTC(),
	}
}

func (m Message) Entry() Entry {
	return Entry{Text: m.Text, Sender: m.Sender}
}

func (m Message) HasAudio() bool {
	return m.Audio != ""
}

// Transcript is the append-only message log of one session.
type Transcript struct {
	messages []Message
}

func (t *Transcript) Append(m Message) {
	t.messages = append(t.messages, m)
}

func (t *Transcript) Len() int {
	return len(t.messages)
}

// Messages returns a copy in insertion order.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Transcript) Find(id string) (Message, bool) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].ID == id {
			return t.messages[i], true
		}
	}
	return Message{}, false
}

// Entries projects every message to its wire form.
func (t *Transcript) Entries() []Entry {
	return Entries(t.messages)
}

func (t *Transcript) Reset() {
	t.messages = nil
}

func Entries(messages []Message) []Entry {
	out := make([]Entry, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Entry())
	}
	return out
}
