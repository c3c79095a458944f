package directory

import (
	"context"

	"go.uber.org/zap"
)

// OpenThread is the idempotent get-or-create for a DM between two durable
// keys. The thread is only persisted on first creation; opening an existing
// thread in either argument order returns the same state.
func (d *Directory) OpenThread(ctx context.Context, a, b string) (ThreadState, bool, error) {
	id := ThreadID(a, b)

	d.mu.Lock()
	existing, ok := d.threads[id]
	if ok {
		state := threadState(existing)
		d.mu.Unlock()
		return state, false, nil
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}
	created := &thread{
		id:           id,
		participants: [2]string{first, second},
		createdAt:    d.clock().UTC(),
	}
	d.threads[id] = created
	state := threadState(created)
	record := threadToRecord(created)
	d.mu.Unlock()

	if err := d.store.SaveThread(ctx, record); err != nil {
		d.logStoreError("thread_save_failed", err, zap.String("thread_id", id))
	}
	return state, true, nil
}

// Thread returns the current state of a DM thread.
func (d *Directory) Thread(threadID string) (ThreadState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	found, ok := d.threads[threadID]
	if !ok {
		return ThreadState{}, false
	}
	return threadState(found), true
}

// PostThreadMessage validates, buffers and writes through one DM message,
// returning the message plus the two participant keys for fan-out.
func (d *Directory) PostThreadMessage(ctx context.Context, threadID string, sender Sender, text string, replyTo *ReplyRef) (Message, [2]string, error) {
	trimmed, err := validateText(text)
	if err != nil {
		return Message{}, [2]string{}, err
	}

	id, err := d.ids.NewID()
	if err != nil {
		return Message{}, [2]string{}, err
	}

	d.mu.Lock()
	target, ok := d.threads[threadID]
	if !ok {
		d.mu.Unlock()
		return Message{}, [2]string{}, ErrThreadNotFound
	}

	message := Message{
		ID:           id,
		SenderID:     sender.Username,
		SenderName:   sender.Name,
		SenderColor:  sender.Color,
		SenderAvatar: sender.Avatar,
		SenderTag:    sender.Tag,
		Text:         trimmed,
		Timestamp:    d.clock().UTC(),
		ReplyTo:      sanitizeReply(replyTo),
	}
	target.messages = appendBounded(target.messages, message, d.historyLimit)
	participants := target.participants
	d.mu.Unlock()

	if err := d.store.SaveThreadMessage(ctx, messageToRecord(threadID, message)); err != nil {
		d.logStoreError("dm_message_save_failed", err, zap.String("thread_id", threadID), zap.String("message_id", message.ID))
	}
	return copyMessage(message), participants, nil
}

// ToggleThreadReaction flips a voter's membership in one emoji set on a
// buffered DM message, returning the updated map and the participants.
func (d *Directory) ToggleThreadReaction(ctx context.Context, threadID, messageID, userKey, emoji string) (map[string][]string, [2]string, error) {
	d.mu.Lock()
	target, ok := d.threads[threadID]
	if !ok {
		d.mu.Unlock()
		return nil, [2]string{}, ErrThreadNotFound
	}
	reactions, err := toggleReaction(target.messages, messageID, userKey, emoji)
	participants := target.participants
	d.mu.Unlock()
	if err != nil {
		return nil, [2]string{}, err
	}

	if storeErr := d.store.UpdateThreadMessageReactions(ctx, messageID, reactions); storeErr != nil {
		d.logStoreError("dm_reaction_save_failed", storeErr, zap.String("thread_id", threadID), zap.String("message_id", messageID))
	}
	return reactions, participants, nil
}

func threadState(t *thread) ThreadState {
	return ThreadState{
		ID:           t.id,
		Participants: t.participants,
		Messages:     copyMessages(t.messages),
		CreatedAt:    t.createdAt,
	}
}
