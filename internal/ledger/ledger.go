// Package ledger keeps per-chat, per-user unread and delivery counters.
//
// Counters live in Redis hashes, one hash per chat, one field per user.
// HINCRBY serializes concurrent increments for the same (chat, user) key on
// the Redis side, so two simultaneous senders never lose an update. The
// counters are an advisory cache for UI badges over the message store, not
// a durability-critical record: on loss they are recomputed from persisted
// messages and read receipts.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func unreadKey(chatID string) string    { return "chat:" + chatID + ":unread" }
func membersKey(chatID string) string   { return "chat:" + chatID + ":members" }
func readKey(chatID string) string      { return "chat:" + chatID + ":read" }
func deliveredKey(chatID string) string { return "chat:" + chatID + ":delivered" }
func chatsKey(userID string) string     { return "user:" + userID + ":chats" }
func hiddenKey(userID string) string    { return "user:" + userID + ":hidden" }

// Ledger is the unread/delivery counter store.
type Ledger struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a ledger over the given Redis client.
func New(rdb *redis.Client, log zerolog.Logger) *Ledger {
	return &Ledger{
		rdb: rdb,
		log: log.With().Str("component", "ledger").Logger(),
	}
}

// OnMessageCreated records one persisted message: the unread counter of
// every recipient other than the sender is incremented, and the chat is
// registered under each participant so total-unread queries can find it.
// Invoked exactly once per persisted message by the message CRUD layer.
func (l *Ledger) OnMessageCreated(ctx context.Context, chatID, senderID string, recipientIDs []string) error {
	pipe := l.rdb.TxPipeline()
	pipe.SAdd(ctx, chatsKey(senderID), chatID)
	pipe.SAdd(ctx, membersKey(chatID), senderID)
	for _, userID := range recipientIDs {
		if userID == senderID {
			continue
		}
		pipe.HIncrBy(ctx, unreadKey(chatID), userID, 1)
		pipe.SAdd(ctx, chatsKey(userID), chatID)
		pipe.SAdd(ctx, membersKey(chatID), userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record message in chat %s: %w", chatID, err)
	}
	return nil
}

// OnMarkAsRead zeroes the user's unread counter for the chat and timestamps
// the read event.
func (l *Ledger) OnMarkAsRead(ctx context.Context, chatID, userID string) error {
	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, unreadKey(chatID), userID, 0)
	pipe.HSet(ctx, readKey(chatID), userID, time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark chat %s read for %s: %w", chatID, userID, err)
	}
	return nil
}

// OnMarkAsDelivered timestamps delivery of the chat's latest messages to
// the user's device.
func (l *Ledger) OnMarkAsDelivered(ctx context.Context, chatID, userID string) error {
	err := l.rdb.HSet(ctx, deliveredKey(chatID), userID, time.Now().UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return fmt.Errorf("failed to mark chat %s delivered for %s: %w", chatID, userID, err)
	}
	return nil
}

// Unread returns the user's unread count for one chat. Missing entries
// count as zero; negative values are never returned.
func (l *Ledger) Unread(ctx context.Context, chatID, userID string) (int64, error) {
	raw, err := l.rdb.HGet(ctx, unreadKey(chatID), userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read unread count for chat %s: %w", chatID, err)
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || count < 0 {
		return 0, nil
	}
	return count, nil
}

// TotalUnread sums the user's unread counters across all chats they
// participate in, excluding hidden chats.
func (l *Ledger) TotalUnread(ctx context.Context, userID string) (int64, error) {
	chatIDs, err := l.rdb.SDiff(ctx, chatsKey(userID), hiddenKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list chats for %s: %w", userID, err)
	}
	if len(chatIDs) == 0 {
		return 0, nil
	}

	pipe := l.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(chatIDs))
	for i, chatID := range chatIDs {
		cmds[i] = pipe.HGet(ctx, unreadKey(chatID), userID)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to read unread counts for %s: %w", userID, err)
	}

	var total int64
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		if count, err := strconv.ParseInt(raw, 10, 64); err == nil && count > 0 {
			total += count
		}
	}
	return total, nil
}

// HideChat excludes a chat from the user's total-unread queries, matching
// the client's hidden/deleted chat list.
func (l *Ledger) HideChat(ctx context.Context, userID, chatID string) error {
	if err := l.rdb.SAdd(ctx, hiddenKey(userID), chatID).Err(); err != nil {
		return fmt.Errorf("failed to hide chat %s for %s: %w", chatID, userID, err)
	}
	return nil
}

// UnhideChat re-includes a chat in the user's total-unread queries.
func (l *Ledger) UnhideChat(ctx context.Context, userID, chatID string) error {
	if err := l.rdb.SRem(ctx, hiddenKey(userID), chatID).Err(); err != nil {
		return fmt.Errorf("failed to unhide chat %s for %s: %w", chatID, userID, err)
	}
	return nil
}

// ChatMembers returns the user IDs known to participate in the chat, as
// observed from message traffic. Used to fan out typing indicators and
// read/delivery receipts.
func (l *Ledger) ChatMembers(ctx context.Context, chatID string) ([]string, error) {
	members, err := l.rdb.SMembers(ctx, membersKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members of chat %s: %w", chatID, err)
	}
	return members, nil
}

// LastReadAt returns when the user last marked the chat as read.
func (l *Ledger) LastReadAt(ctx context.Context, chatID, userID string) (time.Time, bool, error) {
	raw, err := l.rdb.HGet(ctx, readKey(chatID), userID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read receipt for chat %s: %w", chatID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return at, true, nil
}
