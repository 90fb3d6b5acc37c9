// Package inbox keeps the signed-in user's conversation list: paged from
// the backend and bumped by live messages.
package inbox

import (
	"context"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"chat-client/internal/models"
)

// DefaultPageSize matches the page size the backend is queried with.
const DefaultPageSize = 20

type API interface {
	ListConversations(ctx context.Context, userID string, page, limit int) (models.ConversationPage, error)
}

// Cache stores the last known list for offline use.
type Cache interface {
	SaveConversations(ctx context.Context, ownerID string, convs []models.Conversation) error
	ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
}

type Options struct {
	PageSize int
	Cache    Cache
	Notify   func()
}

// List is safe for concurrent use. At most one page load runs at a time;
// loads requested meanwhile are skipped.
type List struct {
	api      API
	userID   string
	pageSize int
	cache    Cache
	notify   func()

	mu      sync.Mutex
	convs   []models.Conversation
	page    int
	hasMore bool
	loading bool
	stale   bool
}

func New(api API, userID string, opts Options) *List {
	size := opts.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	notify := opts.Notify
	if notify == nil {
		notify = func() {}
	}
	return &List{
		api:      api,
		userID:   userID,
		pageSize: size,
		cache:    opts.Cache,
		notify:   notify,
		hasMore:  true,
	}
}

// Refresh replaces the list with page 1. When the backend is unreachable the
// cached list is shown instead, marked stale, and the error is returned.
func (l *List) Refresh(ctx context.Context) error {
	return l.load(ctx, 1)
}

// LoadMore appends the next page. It is a no-op when the backend reported no
// further pages or a load is already running.
func (l *List) LoadMore(ctx context.Context) error {
	l.mu.Lock()
	more, next := l.hasMore, l.page+1
	l.mu.Unlock()
	if !more {
		return nil
	}
	return l.load(ctx, next)
}

func (l *List) load(ctx context.Context, page int) error {
	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		jww.DEBUG.Printf("[INBOX] page %d skipped, load in progress", page)
		return nil
	}
	l.loading = true
	l.mu.Unlock()

	result, err := l.api.ListConversations(ctx, l.userID, page, l.pageSize)

	l.mu.Lock()
	l.loading = false
	if err != nil {
		l.mu.Unlock()
		jww.WARN.Printf("[INBOX] load page %d: %v", page, err)
		if page == 1 {
			l.fallback(ctx)
		}
		return err
	}
	if page == 1 {
		l.convs = append([]models.Conversation(nil), result.Conversations...)
	} else {
		l.convs = appendNew(l.convs, result.Conversations)
	}
	l.page = page
	l.hasMore = result.HasMore
	l.stale = false
	l.mu.Unlock()

	if l.cache != nil {
		if err := l.cache.SaveConversations(ctx, l.userID, result.Conversations); err != nil {
			jww.WARN.Printf("[INBOX] caching conversations: %v", err)
		}
	}
	l.notify()
	return nil
}

func (l *List) fallback(ctx context.Context) {
	if l.cache == nil {
		return
	}
	cached, err := l.cache.ListConversations(ctx, l.userID)
	if err != nil {
		jww.WARN.Printf("[INBOX] reading cached conversations: %v", err)
		return
	}
	l.mu.Lock()
	if len(l.convs) == 0 {
		l.convs = cached
		l.stale = true
	}
	l.mu.Unlock()
	l.notify()
}

// Apply records a live message in conversationID: the conversation moves to
// the top with msg as its last message, and its unread count grows unless
// the current user sent msg. An unknown conversation triggers a refresh.
func (l *List) Apply(ctx context.Context, conversationID string, msg models.Message) error {
	l.mu.Lock()
	idx := l.indexLocked(conversationID)
	if idx < 0 {
		l.mu.Unlock()
		return l.Refresh(ctx)
	}

	conv := l.convs[idx]
	conv.LastMessage = msg.Content
	conv.LastMessageTime = msg.Timestamp
	if msg.SenderID != l.userID {
		conv.UnreadCount++
	}
	copy(l.convs[1:idx+1], l.convs[:idx])
	l.convs[0] = conv
	l.mu.Unlock()

	l.notify()
	return nil
}

// MarkRead clears the unread count of conversationID.
func (l *List) MarkRead(conversationID string) {
	l.mu.Lock()
	idx := l.indexLocked(conversationID)
	if idx >= 0 {
		l.convs[idx].UnreadCount = 0
	}
	l.mu.Unlock()
	if idx >= 0 {
		l.notify()
	}
}

// Save writes the current list, live bumps included, to the cache so an
// offline Refresh shows it.
func (l *List) Save(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	convs := l.Conversations()
	if len(convs) == 0 {
		return nil
	}
	return l.cache.SaveConversations(ctx, l.userID, convs)
}

// Conversations returns the current list in display order.
func (l *List) Conversations() []models.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Conversation(nil), l.convs...)
}

func (l *List) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// Stale reports whether the list came from the local cache.
func (l *List) Stale() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stale
}

func (l *List) indexLocked(id string) int {
	for i, c := range l.convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// appendNew appends the conversations of a later page, skipping ones that
// an earlier page or a live bump already placed.
func appendNew(dst, page []models.Conversation) []models.Conversation {
	seen := make(map[string]struct{}, len(dst))
	for _, c := range dst {
		seen[c.ID] = struct{}{}
	}
	for _, c := range page {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}
