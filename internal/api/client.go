// Package api talks to the remote voice embedding service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/apperr"
)

type User struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Email   string `json:"email"`
}

type UserWithEmbedding struct {
	User
	Embedding []float64 `json:"embedding"`
}

type NewUser struct {
	Name    string
	Surname string
	Email   string
	Audio   AudioFile
}

// AudioFile is one uploaded clip.
type AudioFile struct {
	Name        string
	ContentType string
	Data        []byte
}

type CompareResp struct {
	Similarity      float64   `json:"similarity"`
	StoredEmbedding []float64 `json:"stored_embedding"`
	NewEmbedding    []float64 `json:"new_embedding"`
}

type Client struct {
	baseURL string
	c       *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		c: &http.Client{
			Transport: tr,
			Timeout:   timeout,
		},
	}
}

// BaseURL returns the service root.
func (h *Client) BaseURL() string {
	return h.baseURL
}

func (h *Client) CreateUser(ctx context.Context, u NewUser) (*User, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	for _, f := range []struct{ name, value string }{
		{"name", u.Name},
		{"surname", u.Surname},
		{"email", u.Email},
	} {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", f.name, err)
		}
	}
	if err := writeAudio(w, "audio", u.Audio); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	var out User
	if err := h.do(ctx, "create user", http.MethodPost, "/users", w.FormDataContentType(), &b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	if err := h.do(ctx, "list users", http.MethodGet, "/users", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Client) GetUser(ctx context.Context, id int) (*User, error) {
	var out User
	if err := h.do(ctx, "get user", http.MethodGet, "/users/"+strconv.Itoa(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *Client) ListUsersWithEmbeddings(ctx context.Context) ([]UserWithEmbedding, error) {
	var out []UserWithEmbedding
	if err := h.do(ctx, "list users with embeddings", http.MethodGet, "/users_with_embeddings", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Client) DeleteUser(ctx context.Context, id int) error {
	return h.do(ctx, "delete user", http.MethodDelete, "/users/"+strconv.Itoa(id), "", nil, nil)
}

// CompareAudio uploads a clip and compares it with the stored reference of
// userID. Similarity is the remote distance, lower is more similar.
func (h *Client) CompareAudio(ctx context.Context, userID string, audio AudioFile) (*CompareResp, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	if err := writeAudio(w, "file", audio); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	path := "/audio/compare?" + url.Values{"user_id": {userID}}.Encode()

	var out struct {
		Similarity      *float64  `json:"similarity"`
		StoredEmbedding []float64 `json:"stored_embedding"`
		NewEmbedding    []float64 `json:"new_embedding"`
	}
	if err := h.do(ctx, "compare audio", http.MethodPost, path, w.FormDataContentType(), &b, &out); err != nil {
		return nil, err
	}
	// A missing distance must not read as a perfect match
	if out.Similarity == nil {
		return nil, &apperr.NetworkError{Op: "compare audio", Err: errors.New("response has no similarity")}
	}
	return &CompareResp{
		Similarity:      *out.Similarity,
		StoredEmbedding: out.StoredEmbedding,
		NewEmbedding:    out.NewEmbedding,
	}, nil
}

func writeAudio(w *multipart.Writer, field string, audio AudioFile) error {
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, audio.Name))
	hdr.Set("Content-Type", contentType)

	fw, err := w.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return fmt.Errorf("copy audio: %w", err)
	}
	return nil
}

// do runs one request. Transport failures and non-2xx responses become
// NetworkError; out may be nil when the body is not needed.
func (h *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	r, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return &apperr.NetworkError{Op: op, Err: err}
	}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	r.Header.Set("Accept", "application/json")

	resp, err := h.c.Do(r)
	if err != nil {
		return &apperr.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		const maxErr = 4096
		lb := io.LimitReader(resp.Body, maxErr)
		raw, _ := io.ReadAll(lb)
		code, msg := decodeError(raw)
		if msg == "" {
			msg = resp.Status
		}
		return &apperr.NetworkError{Op: op, Status: resp.StatusCode, Code: code, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apperr.NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// decodeError understands the service's error bodies:
// {"error":{"code","message"}}, {"message"} and {"detail"}.
func decodeError(raw []byte) (code, message string) {
	var body struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", strings.TrimSpace(string(raw))
	}

	switch {
	case body.Error != nil:
		return body.Error.Code, body.Error.Message
	case body.Message != "":
		return "", body.Message
	case len(body.Detail) > 0:
		var detail string
		if json.Unmarshal(body.Detail, &detail) == nil {
			return "", detail
		}
		// Validation failures carry a list of problems
		return "", string(body.Detail)
	}
	return "", strings.TrimSpace(string(raw))
}
