package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/anhtri22303/uni-club-chat/api"
)

// HTTPTransport speaks the chat protocol over HTTP/JSON. The session user
// rides on the X-User-ID header; the upstream session provider owns who
// that is.
type HTTPTransport struct {
	BaseURL string
	UserID  string
	Client  *http.Client
}

func NewHTTPTransport(baseURL, userID string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		UserID:  userID,
		Client:  http.DefaultClient,
	}
}

func (t *HTTPTransport) Latest(ctx context.Context, channelID string, limit int) (Window, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var win Window
	err := t.do(ctx, http.MethodGet, t.messagesURL(channelID)+"?"+q.Encode(), nil, &win)
	return win, err
}

func (t *HTTPTransport) Poll(ctx context.Context, channelID string, after int64) (Window, error) {
	q := url.Values{"after": {strconv.FormatInt(after, 10)}}
	var win Window
	err := t.do(ctx, http.MethodGet, t.messagesURL(channelID)+"/poll?"+q.Encode(), nil, &win)
	return win, err
}

func (t *HTTPTransport) Before(ctx context.Context, channelID string, before int64, limit int) (History, error) {
	q := url.Values{
		"before": {strconv.FormatInt(before, 10)},
		"limit":  {strconv.Itoa(limit)},
	}
	var hist History
	err := t.do(ctx, http.MethodGet, t.messagesURL(channelID)+"/history?"+q.Encode(), nil, &hist)
	return hist, err
}

func (t *HTTPTransport) Send(ctx context.Context, channelID string, draft api.Draft) (api.Message, error) {
	var resp struct {
		Message api.Message `json:"message"`
	}
	err := t.do(ctx, http.MethodPost, t.messagesURL(channelID), draft, &resp)
	return resp.Message, err
}

func (t *HTTPTransport) React(ctx context.Context, channelID, messageID, emoji string) (api.Message, error) {
	body := struct {
		Emoji string `json:"emoji"`
	}{Emoji: emoji}
	var resp struct {
		Success bool        `json:"success"`
		Message api.Message `json:"message"`
	}
	err := t.do(ctx, http.MethodPost, t.messagesURL(channelID)+"/"+messageID+"/reactions", body, &resp)
	return resp.Message, err
}

func (t *HTTPTransport) Pin(ctx context.Context, channelID, messageID string) (api.Message, error) {
	var resp struct {
		Success bool        `json:"success"`
		Message api.Message `json:"message"`
	}
	err := t.do(ctx, http.MethodPost, t.messagesURL(channelID)+"/"+messageID+"/pin", nil, &resp)
	return resp.Message, err
}

func (t *HTTPTransport) Delete(ctx context.Context, channelID, messageID string) error {
	var resp struct {
		Success bool `json:"success"`
	}
	return t.do(ctx, http.MethodDelete, t.messagesURL(channelID)+"/"+messageID, nil, &resp)
}

func (t *HTTPTransport) messagesURL(channelID string) string {
	return t.BaseURL + "/channels/" + url.PathEscape(channelID) + "/messages"
}

func (t *HTTPTransport) do(ctx context.Context, method, u string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", t.UserID)

	cli := t.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable by the poll loop.
		return api.Transient(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return api.Transient("decode response: " + err.Error())
	}
	return nil
}

// decodeError maps an error response back onto the api taxonomy, falling
// back to the HTTP status when the body carries no code.
func decodeError(resp *http.Response) error {
	var ae api.Error
	if err := json.NewDecoder(resp.Body).Decode(&ae); err == nil && ae.Code != "" {
		return &ae
	}

	msg := http.StatusText(resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return api.InvalidArg(msg)
	case resp.StatusCode == http.StatusForbidden:
		return api.Forbidden(msg)
	case resp.StatusCode == http.StatusNotFound:
		return api.NotFound(msg)
	case resp.StatusCode >= 500:
		return api.Transient(msg)
	}
	return errors.New(msg)
}
