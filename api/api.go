package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/anhtri22303/uni-club-chat/api/validator"
)

// A Store is the single source of truth for a channel's ordered message log
// and all mutations on it. Identity and ordering are assigned by the store,
// never by clients.
type Store interface {
	Append(ctx context.Context, channelID string, draft Draft) (Message, error)
	ListLatest(ctx context.Context, channelID string, limit int) ([]Message, error)
	ListBefore(ctx context.Context, channelID string, before time.Time, limit int) ([]Message, bool, error)
	ListAfter(ctx context.Context, channelID string, after time.Time) ([]Message, error)
	ToggleReaction(ctx context.Context, channelID, messageID, userID, emoji string) (Message, error)
	TogglePin(ctx context.Context, channelID, messageID, userID string) (Message, error)
	SoftDelete(ctx context.Context, channelID, messageID, userID string) error
}

// A Cache holds the hot tail of each channel's log. ListLatest reports
// whether the cache can vouch for a complete answer; on false the caller
// must fall back to the Store.
type Cache interface {
	ListLatest(ctx context.Context, channelID string, limit int) ([]Message, bool, error)
	Insert(ctx context.Context, channelID string, msg Message) error
	Update(ctx context.Context, channelID string, msg Message) error
	Remove(ctx context.Context, channelID, messageID string) error
	Invalidate(ctx context.Context, channelID string) error
}

// API provides the chat sync endpoints. It is stateless between calls;
// clients recover missed windows by polling from their last confirmed
// timestamp.
type API struct {
	Logger *slog.Logger
	Store  Store
	Cache  Cache // optional
	Val    *validator.Validator

	once sync.Once
	mux  *http.ServeMux
}

// pageSize defines the default number of messages returned by the latest and
// history endpoints when the client does not ask for a specific limit.
var pageSize = 50

const maxPageSize = 100

func (a *API) setupRoutes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /channels/{channelID}/messages", a.listLatest)
	mux.HandleFunc("GET /channels/{channelID}/messages/poll", a.poll)
	mux.HandleFunc("GET /channels/{channelID}/messages/history", a.listBefore)
	mux.HandleFunc("POST /channels/{channelID}/messages", a.sendMessage)
	mux.HandleFunc("DELETE /channels/{channelID}/messages/{messageID}", a.deleteMessage)
	mux.HandleFunc("POST /channels/{channelID}/messages/{messageID}/reactions", a.toggleReaction)
	mux.HandleFunc("POST /channels/{channelID}/messages/{messageID}/pin", a.togglePin)

	a.mux = mux
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.once.Do(a.setupRoutes)
	a.Logger.Info("Request received", "method", r.Method, "path", r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.Logger.Error("Could not encode JSON body", "error", err.Error())
	}
}

// respondError maps classified errors onto HTTP statuses. Unclassified
// errors become a 500 carrying fallback instead of the internal detail.
func (a *API) respondError(w http.ResponseWriter, err error, fallback string) {
	a.Logger.Error("Error", "error", err.Error())

	var ae *Error
	if !errors.As(err, &ae) {
		a.respond(w, http.StatusInternalServerError, &Error{Message: fallback})
		return
	}

	status := http.StatusInternalServerError
	switch ae.Code {
	case CodeInvalidArgument:
		status = http.StatusBadRequest
	case CodeNotFound:
		status = http.StatusNotFound
	case CodePermissionDenied:
		status = http.StatusForbidden
	case CodeTransient:
		status = http.StatusServiceUnavailable
	}
	a.respond(w, status, ae)
}

func (a *API) validateBody(w http.ResponseWriter, s interface{}) bool {
	errs := a.Val.ValidateStruct(s)
	type response struct {
		Errors []validator.ValidationError `json:"errors"`
	}

	if len(errs) > 0 {
		a.respond(w, http.StatusBadRequest, &response{
			Errors: errs,
		})
		return false
	}
	return true
}

// requesterID returns the caller identity established by the upstream
// session middleware.
func requesterID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, InvalidArg("invalid " + key + " parameter")
	}
	return n, nil
}

// queryMillis parses a required Unix-millisecond cursor parameter.
func queryMillis(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, InvalidArg("missing " + key + " parameter")
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, InvalidArg("invalid " + key + " parameter")
	}
	return time.UnixMilli(ms).UTC(), nil
}

func latestMillis(msgs []Message, prev int64) int64 {
	// Messages arrive oldest-first; the high-water mark is the newest.
	if len(msgs) == 0 {
		return prev
	}
	if ms := msgs[len(msgs)-1].SentAt.UnixMilli(); ms > prev {
		return ms
	}
	return prev
}

func (a *API) listLatest(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Messages        []Message `json:"messages"`
		LatestTimestamp int64     `json:"latest_timestamp"`
	}

	channelID := r.PathValue("channelID")
	limit, err := queryInt(r, "limit", pageSize)
	if err != nil {
		a.respondError(w, err, "")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var msgs []Message
	served := false
	if a.Cache != nil {
		cached, ok, err := a.Cache.ListLatest(r.Context(), channelID, limit)
		if err != nil {
			a.Logger.Error("Could not list messages from cache", "error", err.Error())
		} else if ok {
			msgs, served = cached, true
			a.Logger.Info("Got messages from cache", "count", len(msgs))
		}
	}

	if !served {
		msgs, err = a.Store.ListLatest(r.Context(), channelID, limit)
		if err != nil {
			a.respondError(w, err, "Could not list messages")
			return
		}
	}

	if msgs == nil {
		msgs = []Message{}
	}
	a.respond(w, http.StatusOK, response{
		Messages:        msgs,
		LatestTimestamp: latestMillis(msgs, 0),
	})
}

func (a *API) poll(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Messages        []Message `json:"messages"`
		LatestTimestamp int64     `json:"latest_timestamp"`
	}

	channelID := r.PathValue("channelID")
	after, err := queryMillis(r, "after")
	if err != nil {
		a.respondError(w, err, "")
		return
	}

	// Polls go straight to the store. The cached window is a set keyed by
	// sent_at, not a log: a concurrent insert landing out of order would
	// leave a gap the cache cannot detect, and a client that trusts a
	// gapped poll advances its high-water mark past the missing message
	// for good. Only whole-window reads (ListLatest) are safe to serve
	// from cache.
	msgs, err := a.Store.ListAfter(r.Context(), channelID, after)
	if err != nil {
		a.respondError(w, err, "Could not poll messages")
		return
	}

	if msgs == nil {
		msgs = []Message{}
	}
	a.respond(w, http.StatusOK, response{
		Messages:        msgs,
		LatestTimestamp: latestMillis(msgs, after.UnixMilli()),
	})
}

func (a *API) listBefore(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Messages []Message `json:"messages"`
		HasMore  bool      `json:"has_more"`
	}

	channelID := r.PathValue("channelID")
	before, err := queryMillis(r, "before")
	if err != nil {
		a.respondError(w, err, "")
		return
	}
	limit, err := queryInt(r, "limit", pageSize)
	if err != nil {
		a.respondError(w, err, "")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	// History pages are always served by the store; the cache only holds
	// the tail of the log.
	msgs, hasMore, err := a.Store.ListBefore(r.Context(), channelID, before, limit)
	if err != nil {
		a.respondError(w, err, "Could not list message history")
		return
	}

	if msgs == nil {
		msgs = []Message{}
	}
	a.respond(w, http.StatusOK, response{
		Messages: msgs,
		HasMore:  hasMore,
	})
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			AuthorID     string `json:"author_id" validate:"required"`
			AuthorName   string `json:"author_name" validate:"required"`
			AuthorAvatar string `json:"author_avatar"`
			Body         string `json:"body" validate:"required"`
			ReplyToID    string `json:"reply_to_id"`
		}
		response struct {
			Message Message `json:"message"`
		}
	)

	channelID := r.PathValue("channelID")
	var body request
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.respondError(w, InvalidArg("Could not decode request body"), "")
		return
	}

	if valid := a.validateBody(w, &body); !valid {
		return
	}

	if body.AuthorID != requesterID(r) {
		a.respondError(w, Forbidden("author identity does not match the session user"), "")
		return
	}

	msg, err := a.Store.Append(r.Context(), channelID, Draft{
		AuthorID:     body.AuthorID,
		AuthorName:   body.AuthorName,
		AuthorAvatar: body.AuthorAvatar,
		Body:         body.Body,
		ReplyToID:    body.ReplyToID,
	})
	if err != nil {
		a.respondError(w, err, "Could not send message")
		return
	}

	if a.Cache != nil {
		if err := a.Cache.Insert(r.Context(), channelID, msg); err != nil {
			a.Logger.Error("Could not cache message", "error", err.Error())
			// A message missing from the middle of the window would make
			// ListLatest serve a wrong page; drop the window and let it
			// rebuild from subsequent sends.
			if err := a.Cache.Invalidate(r.Context(), channelID); err != nil {
				a.Logger.Error("Could not invalidate channel cache", "error", err.Error())
			}
		}
	}

	a.respond(w, http.StatusCreated, response{Message: msg})
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request) {
	type (
		request struct {
			Emoji string `json:"emoji" validate:"required"`
		}
		response struct {
			Success bool    `json:"success"`
			Message Message `json:"message"`
		}
	)

	channelID := r.PathValue("channelID")
	messageID := r.PathValue("messageID")
	userID := requesterID(r)
	if userID == "" {
		a.respondError(w, Forbidden("missing session user"), "")
		return
	}

	var body request
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.respondError(w, InvalidArg("Could not decode request body"), "")
		return
	}
	if valid := a.validateBody(w, &body); !valid {
		return
	}

	msg, err := a.Store.ToggleReaction(r.Context(), channelID, messageID, userID, body.Emoji)
	if err != nil {
		a.respondError(w, err, "Could not toggle reaction")
		return
	}

	if a.Cache != nil {
		if err := a.Cache.Update(r.Context(), channelID, msg); err != nil {
			a.Logger.Error("Could not update cached message", "error", err.Error())
		}
	}

	a.respond(w, http.StatusOK, response{Success: true, Message: msg})
}

func (a *API) togglePin(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Success bool    `json:"success"`
		Message Message `json:"message"`
	}

	channelID := r.PathValue("channelID")
	messageID := r.PathValue("messageID")
	userID := requesterID(r)
	if userID == "" {
		a.respondError(w, Forbidden("missing session user"), "")
		return
	}

	msg, err := a.Store.TogglePin(r.Context(), channelID, messageID, userID)
	if err != nil {
		a.respondError(w, err, "Could not toggle pin")
		return
	}

	// Pinning may implicitly unpin another message, so a single-entry
	// update would leave a stale pinned flag in the cache.
	if a.Cache != nil {
		if err := a.Cache.Invalidate(r.Context(), channelID); err != nil {
			a.Logger.Error("Could not invalidate channel cache", "error", err.Error())
		}
	}

	a.respond(w, http.StatusOK, response{Success: true, Message: msg})
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Success bool `json:"success"`
	}

	channelID := r.PathValue("channelID")
	messageID := r.PathValue("messageID")
	userID := requesterID(r)
	if userID == "" {
		a.respondError(w, Forbidden("missing session user"), "")
		return
	}

	if err := a.Store.SoftDelete(r.Context(), channelID, messageID, userID); err != nil {
		a.respondError(w, err, "Could not delete message")
		return
	}

	if a.Cache != nil {
		if err := a.Cache.Remove(r.Context(), channelID, messageID); err != nil {
			a.Logger.Error("Could not remove cached message", "error", err.Error())
		}
	}

	a.respond(w, http.StatusOK, response{Success: true})
}
