// Package client maintains a local, deduplicated, ordered view of one
// channel's messages and reconciles it against intermittent poll and
// pagination results from the chat API.
package client

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/anhtri22303/uni-club-chat/api"
)

// A Transport performs the chat protocol round-trips. Implementations must
// classify failures with the api error codes; anything network-shaped is
// CodeTransient so the poll loop knows it can retry.
type Transport interface {
	Latest(ctx context.Context, channelID string, limit int) (Window, error)
	Poll(ctx context.Context, channelID string, after int64) (Window, error)
	Before(ctx context.Context, channelID string, before int64, limit int) (History, error)
	Send(ctx context.Context, channelID string, draft api.Draft) (api.Message, error)
	React(ctx context.Context, channelID, messageID, emoji string) (api.Message, error)
	Pin(ctx context.Context, channelID, messageID string) (api.Message, error)
	Delete(ctx context.Context, channelID, messageID string) error
}

// A Window is the result of a latest or poll call: messages oldest-first
// plus the high-water mark for the next poll, in Unix milliseconds.
type Window struct {
	Messages        []api.Message `json:"messages"`
	LatestTimestamp int64         `json:"latest_timestamp"`
}

// A History is the result of a backward pagination call.
type History struct {
	Messages []api.Message `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

// A Handler receives view changes. Appends carry an auto-scroll hint so the
// UI never yanks the viewport away from a user reading history; prepends are
// delivered separately so the UI can preserve its scroll offset across the
// insertion.
type Handler interface {
	MessagesAppended(channelID string, msgs []api.Message, autoScroll bool)
	MessagesPrepended(channelID string, msgs []api.Message)
	MessageUpdated(channelID string, msg api.Message)
	MessageRemoved(channelID, messageID string)
}

// Options configures a Synchronizer.
type Options struct {
	PollInterval   time.Duration // default 2s
	RequestTimeout time.Duration // default 5s
	PageSize       int           // default 50

	// NearBottom reports whether the viewport is close enough to the tail
	// that new messages should auto-scroll into view. Nil means always.
	NearBottom func() bool

	Handler Handler
	Logger  *slog.Logger
}

const (
	defaultPollInterval   = 2 * time.Second
	defaultRequestTimeout = 5 * time.Second
	defaultPageSize       = 50

	// maxPageSize mirrors the server-side limit clamp. Asking for more
	// would silently get a shorter page back, and a full clamped page must
	// not be mistaken for the end of history.
	maxPageSize = 100
)

// A Synchronizer owns the local view for whichever channel is currently
// open. All state transitions happen under one mutex; network calls happen
// outside it, and responses are checked against an epoch counter so a slow
// reply for a previous channel can never corrupt the current one.
type Synchronizer struct {
	tr   Transport
	opts Options

	mu         sync.Mutex
	channelID  string
	epoch      uint64
	view       []api.Message // ascending (sent_at, id)
	seen       map[string]int
	highWater  int64
	oldest     int64
	hasMore    bool
	paginating bool
}

func New(tr Transport, opts Options) *Synchronizer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Synchronizer{
		tr:   tr,
		opts: opts,
		seen: make(map[string]int),
	}
}

// Open selects a channel and loads its initial window. Any in-flight
// responses for a previously open channel are discarded by the epoch bump.
func (s *Synchronizer) Open(ctx context.Context, channelID string) error {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.channelID = channelID
	s.view = nil
	s.seen = make(map[string]int)
	s.highWater = 0
	s.oldest = 0
	s.hasMore = true
	s.paginating = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	win, err := s.tr.Latest(ctx, channelID, s.opts.PageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	for _, m := range win.Messages {
		s.insertLocked(m)
	}
	if win.LatestTimestamp > s.highWater {
		s.highWater = win.LatestTimestamp
	}
	if len(s.view) > 0 {
		s.oldest = s.view[0].SentAt.UnixMilli()
	}
	// A short first page means the whole channel is already loaded.
	s.hasMore = len(win.Messages) == s.opts.PageSize
	h := s.opts.Handler
	initial := cloneAll(s.view)
	s.mu.Unlock()

	if h != nil && len(initial) > 0 {
		h.MessagesAppended(channelID, initial, true)
	}
	return nil
}

// Run polls on a fixed interval until ctx is cancelled. Transient failures
// are logged and swallowed; polling is cumulative from the last confirmed
// high-water mark, so the next tick recovers a missed window.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.opts.Logger.Warn("Poll failed; will retry next tick", "error", err.Error())
			}
		}
	}
}

// Sync performs one poll round-trip and merges the result.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.mu.Lock()
	channelID := s.channelID
	epoch := s.epoch
	after := s.highWater
	s.mu.Unlock()
	if channelID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	win, err := s.tr.Poll(ctx, channelID, after)
	if err != nil {
		return err
	}

	s.merge(channelID, epoch, win)
	return nil
}

// merge applies a poll window: messages already present are discarded by id,
// the rest are inserted in order, and the high-water mark only moves
// forward. Stale-epoch windows are dropped whole.
func (s *Synchronizer) merge(channelID string, epoch uint64, win Window) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	var appended []api.Message
	for _, m := range win.Messages {
		if s.insertLocked(m) {
			appended = append(appended, m)
		}
	}
	if win.LatestTimestamp > s.highWater {
		s.highWater = win.LatestTimestamp
	}
	if len(s.view) > 0 && s.oldest == 0 {
		s.oldest = s.view[0].SentAt.UnixMilli()
	}
	h := s.opts.Handler
	s.mu.Unlock()

	if h != nil && len(appended) > 0 {
		h.MessagesAppended(channelID, appended, s.nearBottom())
	}
}

// Send submits a draft. The message is not inserted speculatively: on
// success the confirmed message merges through the normal dedup path, and
// on failure the caller still holds the draft and can retry. The high-water
// mark is deliberately not advanced here — messages appended by others just
// before ours would otherwise be skipped by the next poll; the dedup rule
// makes redelivery of our own message harmless.
func (s *Synchronizer) Send(ctx context.Context, draft api.Draft) (api.Message, error) {
	s.mu.Lock()
	channelID := s.channelID
	epoch := s.epoch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	msg, err := s.tr.Send(ctx, channelID, draft)
	if err != nil {
		return api.Message{}, err
	}

	s.mu.Lock()
	inserted := false
	if s.epoch == epoch {
		inserted = s.insertLocked(msg)
	}
	h := s.opts.Handler
	s.mu.Unlock()

	if h != nil && inserted {
		h.MessagesAppended(channelID, []api.Message{msg}, true)
	}
	return msg, nil
}

// LoadOlder fetches the page before the current oldest message and prepends
// it. Guarded by an in-flight flag and a terminal has-more latch; once a
// short page comes back, further backward loads are suppressed for this
// channel session.
func (s *Synchronizer) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if !s.hasMore || s.paginating || s.oldest == 0 {
		s.mu.Unlock()
		return nil
	}
	s.paginating = true
	channelID := s.channelID
	epoch := s.epoch
	before := s.oldest
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	hist, err := s.tr.Before(ctx, channelID, before, s.opts.PageSize)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.paginating = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var prepended []api.Message
	for _, m := range hist.Messages {
		if s.insertLocked(m) {
			prepended = append(prepended, m)
		}
	}
	if len(s.view) > 0 {
		s.oldest = s.view[0].SentAt.UnixMilli()
	}
	s.hasMore = hist.HasMore
	h := s.opts.Handler
	s.mu.Unlock()

	if h != nil && len(prepended) > 0 {
		h.MessagesPrepended(channelID, prepended)
	}
	return nil
}

// React toggles an emoji on a message. Local state changes only from the
// server-confirmed message, so a failed request leaves the last-known
// confirmed state untouched.
func (s *Synchronizer) React(ctx context.Context, messageID, emoji string) error {
	s.mu.Lock()
	channelID := s.channelID
	epoch := s.epoch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	msg, err := s.tr.React(ctx, channelID, messageID, emoji)
	if err != nil {
		return err
	}
	s.replaceConfirmed(channelID, epoch, msg)
	return nil
}

// PinMessage toggles the pin on a message and clears the pinned flag on any
// other local message, mirroring the server's single-pin invariant.
func (s *Synchronizer) PinMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	channelID := s.channelID
	epoch := s.epoch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	msg, err := s.tr.Pin(ctx, channelID, messageID)
	if err != nil {
		return err
	}

	var updated []api.Message
	s.mu.Lock()
	if s.epoch == epoch && msg.Pinned {
		for i := range s.view {
			if s.view[i].ID != msg.ID && s.view[i].Pinned {
				unpinLocal(&s.view[i])
				updated = append(updated, s.view[i].Clone())
			}
		}
	}
	h := s.opts.Handler
	s.mu.Unlock()
	if h != nil {
		for _, u := range updated {
			h.MessageUpdated(channelID, u)
		}
	}

	s.replaceConfirmed(channelID, epoch, msg)
	return nil
}

// DeleteMessage soft-deletes one of the user's own messages and drops it
// from the local view on confirmation.
func (s *Synchronizer) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	channelID := s.channelID
	epoch := s.epoch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	if err := s.tr.Delete(ctx, channelID, messageID); err != nil {
		return err
	}

	s.mu.Lock()
	removed := false
	if s.epoch == epoch {
		if i, ok := s.seen[messageID]; ok {
			s.view = append(s.view[:i], s.view[i+1:]...)
			delete(s.seen, messageID)
			s.reindexLocked(i)
			removed = true
		}
	}
	h := s.opts.Handler
	s.mu.Unlock()

	if h != nil && removed {
		h.MessageRemoved(channelID, messageID)
	}
	return nil
}

// Messages returns a copy of the current ordered view.
func (s *Synchronizer) Messages() []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.view)
}

// HasMore reports whether older history may remain for backward pagination.
func (s *Synchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Channel returns the currently open channel id.
func (s *Synchronizer) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// insertLocked adds a message in (sent_at, id) order unless its id is
// already present. Reports whether the view changed.
func (s *Synchronizer) insertLocked(m api.Message) bool {
	if _, ok := s.seen[m.ID]; ok {
		return false
	}
	i := sort.Search(len(s.view), func(i int) bool {
		v := s.view[i]
		if !v.SentAt.Equal(m.SentAt) {
			return v.SentAt.After(m.SentAt)
		}
		return v.ID > m.ID
	})
	s.view = append(s.view, api.Message{})
	copy(s.view[i+1:], s.view[i:])
	s.view[i] = m.Clone()
	s.reindexLocked(i)
	return true
}

func (s *Synchronizer) reindexLocked(from int) {
	for i := from; i < len(s.view); i++ {
		s.seen[s.view[i].ID] = i
	}
}

// replaceConfirmed swaps in a server-confirmed copy of an existing message.
func (s *Synchronizer) replaceConfirmed(channelID string, epoch uint64, msg api.Message) {
	s.mu.Lock()
	replaced := false
	if s.epoch == epoch {
		if i, ok := s.seen[msg.ID]; ok {
			s.view[i] = msg.Clone()
			replaced = true
		}
	}
	h := s.opts.Handler
	s.mu.Unlock()

	if h != nil && replaced {
		h.MessageUpdated(channelID, msg)
	}
}

func (s *Synchronizer) nearBottom() bool {
	if s.opts.NearBottom == nil {
		return true
	}
	return s.opts.NearBottom()
}

func unpinLocal(m *api.Message) {
	m.Pinned = false
	m.PinnedBy = ""
	m.PinnedAt = nil
}

func cloneAll(msgs []api.Message) []api.Message {
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
