package client

import (
	"sync"
	"time"

	"matchwire/backend/internal/models"

	"github.com/google/uuid"
)

// Status is the delivery state of a locally rendered message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one message in the local view.
type Entry struct {
	models.Message
	Status Status
}

// MergeResult tells what Merge did with a confirmed message.
type MergeResult int

const (
	MergeDuplicate MergeResult = iota
	MergeReplaced
	MergeAppended
)

func (r MergeResult) String() string {
	switch r {
	case MergeReplaced:
		return "replaced"
	case MergeAppended:
		return "appended"
	default:
		return "duplicate"
	}
}

// Conversation is the optimistic local view of one match. Placeholders are
// correlated with their confirmations by clientTempId only.
type Conversation struct {
	MatchID string
	SelfID  string

	mu      sync.Mutex
	entries []Entry
	byID    map[string]int
	byTemp  map[string]int
	now     func() time.Time
}

func NewConversation(matchID, selfID string) *Conversation {
	return &Conversation{
		MatchID: matchID,
		SelfID:  selfID,
		byID:    make(map[string]int),
		byTemp:  make(map[string]int),
		now:     time.Now,
	}
}

// AddPlaceholder renders an unconfirmed message and returns the send request
// to emit for it.
func (c *Conversation) AddPlaceholder(content string, attachment *models.Attachment, replyToID string) models.SendMessageRequest {
	req := models.SendMessageRequest{
		MatchID:          c.MatchID,
		Content:          content,
		Attachment:       attachment,
		ClientTempID:     uuid.NewString(),
		ReplyToMessageID: replyToID,
	}

	msg := models.Message{
		ClientTempID: req.ClientTempID,
		MatchID:      c.MatchID,
		SenderID:     c.SelfID,
		Content:      content,
		Type:         models.MessageTypeText,
		Attachment:   attachment,
		CreatedAt:    c.now().UTC(),
	}
	if attachment != nil {
		msg.Type = attachment.MessageType()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if replyToID != "" {
		if i, ok := c.byID[replyToID]; ok {
			msg.ReplyTo = c.entries[i].Snapshot()
		}
	}
	c.byTemp[req.ClientTempID] = len(c.entries)
	c.entries = append(c.entries, Entry{Message: msg, Status: StatusPending})
	return req
}

// Merge folds a confirmed message into the view. A placeholder with the same
// clientTempId is replaced in place; an unknown server id is appended; anything
// else is a duplicate. Repeated or reordered delivery never yields two copies.
func (c *Conversation) Merge(msg models.Message) MergeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	placeholder, hasPlaceholder := -1, false
	if msg.ClientTempID != "" {
		placeholder, hasPlaceholder = c.byTemp[msg.ClientTempID]
	}

	if _, known := c.byID[msg.ID]; known {
		if hasPlaceholder {
			c.removeLocked(placeholder)
		}
		return MergeDuplicate
	}

	entry := Entry{Message: msg, Status: StatusSent}
	if hasPlaceholder {
		c.entries[placeholder] = entry
		delete(c.byTemp, msg.ClientTempID)
		c.byID[msg.ID] = placeholder
		return MergeReplaced
	}

	c.byID[msg.ID] = len(c.entries)
	c.entries = append(c.entries, entry)
	return MergeAppended
}

// Load merges a page of history, oldest first.
func (c *Conversation) Load(history []models.Message) {
	for _, m := range history {
		c.Merge(m)
	}
}

func (c *Conversation) removeLocked(i int) {
	if temp := c.entries[i].ClientTempID; temp != "" && c.entries[i].ID == "" {
		delete(c.byTemp, temp)
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	for id, j := range c.byID {
		if j > i {
			c.byID[id] = j - 1
		}
	}
	for temp, j := range c.byTemp {
		if j > i {
			c.byTemp[temp] = j - 1
		}
	}
}

// MarkFailed flags a placeholder whose send was refused. The placeholder keeps
// its temp id so a retry can still be correlated.
func (c *Conversation) MarkFailed(tempID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byTemp[tempID]
	if !ok {
		return false
	}
	c.entries[i].Status = StatusFailed
	return true
}

// Retry turns a failed placeholder back into a pending one and returns the
// request to send again.
func (c *Conversation) Retry(tempID string) (models.SendMessageRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byTemp[tempID]
	if !ok || c.entries[i].Status != StatusFailed {
		return models.SendMessageRequest{}, false
	}
	e := &c.entries[i]
	e.Status = StatusPending
	req := models.SendMessageRequest{
		MatchID:      c.MatchID,
		Content:      e.Content,
		Attachment:   e.Attachment,
		ClientTempID: tempID,
	}
	if e.ReplyTo != nil {
		req.ReplyToMessageID = e.ReplyTo.ID
	}
	return req, true
}

// ApplyReactions replaces a message's reaction set.
func (c *Conversation) ApplyReactions(upd models.ReactionUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byID[upd.MessageID]
	if !ok {
		return false
	}
	c.entries[i].Reactions = upd.Reactions
	return true
}

// ApplyRead marks the messages addressed to the reader as read and returns how
// many changed.
func (c *Conversation) ApplyRead(r models.ReadReceipt) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := range c.entries {
		e := &c.entries[i]
		if e.ID == "" || e.IsRead || e.SenderID == r.ReaderID {
			continue
		}
		e.IsRead = true
		n++
	}
	return n
}

// Messages returns a copy of the view in display order.
func (c *Conversation) Messages() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// Len returns the number of entries, placeholders included.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
