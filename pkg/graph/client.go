// Package graph implements storage.Catalog on top of a document library
// exposed by the Microsoft Graph drive API.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sharebucket/pkg/storage"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0/sites"
	DefaultMaxKeys = 1000
)

// TokenSource supplies the bearer token attached to every call.
type TokenSource interface {
	Token(ctx context.Context) (storage.AccessToken, error)
}

// Observer is notified after every remote call.
type Observer interface {
	ObserveRemoteCall(op string, err error, elapsed time.Duration)
}

// Client is a catalog backed by the drive API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	observer   Observer
}

var _ storage.Catalog = (*Client)(nil)

type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL. The container id is appended to it.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the client used for remote calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithObserver registers an Observer for remote calls.
func WithObserver(observer Observer) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

// NewClient returns a Client that authenticates with tokens.
func NewClient(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		tokens:     tokens,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ------ Wire types ------

type folderFacet struct {
	ChildCount uint32 `json:"childCount"`
}

type fileFacet struct {
	MimeType string `json:"mimeType"`
}

type driveItem struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	WebURL               string       `json:"webUrl"`
	CreatedDateTime      string       `json:"createdDateTime"`
	LastModifiedDateTime string       `json:"lastModifiedDateTime"`
	ETag                 string       `json:"eTag"`
	Size                 *uint64      `json:"size"`
	Folder               *folderFacet `json:"folder"`
	File                 *fileFacet   `json:"file"`
}

type driveItemCollection struct {
	Value *[]driveItem `json:"value"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// toItem validates a wire item and converts it to the canonical model.
func (d driveItem) toItem() (storage.Item, error) {
	if d.ID == "" {
		return storage.Item{}, errors.New("item has no id")
	}
	if d.Name == "" {
		return storage.Item{}, fmt.Errorf("item %s has no name", d.ID)
	}

	item := storage.Item{
		ID:             d.ID,
		Name:           d.Name,
		WebURL:         d.WebURL,
		CreatedAt:      d.CreatedDateTime,
		LastModifiedAt: d.LastModifiedDateTime,
		ETag:           d.ETag,
		Size:           d.Size,
	}
	if d.Folder != nil {
		item.Folder = &storage.FolderFacet{ChildCount: d.Folder.ChildCount}
	}
	if d.File != nil {
		item.File = &storage.FileFacet{MimeType: d.File.MimeType}
	}
	return item, nil
}

// ------ Requests ------

func (c *Client) driveURL(containerID string, relativePath string) string {
	return fmt.Sprintf("%s/%s/drive/root%s", c.baseURL, url.PathEscape(containerID), relativePath)
}

func (c *Client) observe(op string, err error, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRemoteCall(op, err, time.Since(start))
	}
}

// get performs an authenticated GET and returns the response when the
// remote answered with a 2xx status. The caller must close the body.
func (c *Client) get(ctx context.Context, op string, endpoint string, key string, containerID string) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &storage.RemoteError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)

	slog.Debug("Remote request", "op", op, "url", endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &storage.RemoteError{Op: op, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, storage.NotFoundError{ContainerID: containerID, Key: key}
	}

	remoteErr := &storage.RemoteError{Op: op, StatusCode: resp.StatusCode}
	var body graphError
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		remoteErr.Code = body.Error.Code
		remoteErr.Message = body.Error.Message
	}
	return nil, remoteErr
}

// checkAddress refuses addresses that would leave the container once the
// remote resolves dot segments.
func checkAddress(containerID string, key string) error {
	if err := storage.ValidateContainerID(containerID); err != nil {
		return err
	}
	return storage.ValidateKey(key)
}

// decode reads a JSON body into v.
func decode(op string, resp *http.Response, v any) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &storage.RemoteError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// List returns the children of query.Prefix, or the results of a search
// scoped to it.
func (c *Client) List(ctx context.Context, query storage.ListQuery) (items storage.ItemCollection, err error) {
	const op = "list"
	start := time.Now()
	defer func() { c.observe(op, err, start) }()

	if err := checkAddress(query.ContainerID, query.Prefix); err != nil {
		return nil, err
	}

	maxKeys := query.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	endpoint := fmt.Sprintf("%s?$top=%d", c.driveURL(query.ContainerID, Translate(query.Prefix, query.SearchQuery)), maxKeys)

	resp, err := c.get(ctx, op, endpoint, query.Prefix, query.ContainerID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body driveItemCollection
	if err := decode(op, resp, &body); err != nil {
		return nil, err
	}
	if body.Value == nil {
		return nil, &storage.RemoteError{Op: op, StatusCode: resp.StatusCode, Err: errors.New("response has no value array")}
	}

	items = make(storage.ItemCollection, 0, len(*body.Value))
	for _, d := range *body.Value {
		item, err := d.toItem()
		if err != nil {
			return nil, &storage.RemoteError{Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		items = append(items, item)
	}

	return items, nil
}

// Stat returns the metadata of the item at address. The root is addressed
// by an empty key or "/".
func (c *Client) Stat(ctx context.Context, address storage.ObjectAddress) (item storage.Item, err error) {
	const op = "stat"
	start := time.Now()
	defer func() { c.observe(op, err, start) }()

	if err := checkAddress(address.ContainerID, address.Key); err != nil {
		return storage.Item{}, err
	}

	resp, err := c.get(ctx, op, c.driveURL(address.ContainerID, ItemPath(address.Key)), address.Key, address.ContainerID)
	if err != nil {
		return storage.Item{}, err
	}
	defer resp.Body.Close()

	var body driveItem
	if err := decode(op, resp, &body); err != nil {
		return storage.Item{}, err
	}

	item, err = body.toItem()
	if err != nil {
		return storage.Item{}, &storage.RemoteError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return item, nil
}

// Content downloads the payload of the file at address.
func (c *Client) Content(ctx context.Context, address storage.ObjectAddress) (content *storage.Content, err error) {
	const op = "content"
	start := time.Now()
	defer func() { c.observe(op, err, start) }()

	if err := checkAddress(address.ContainerID, address.Key); err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, op, c.driveURL(address.ContainerID, ContentPath(address.Key)), address.Key, address.ContainerID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &storage.RemoteError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &storage.Content{
		Data:         data,
		ContentType:  contentType,
		FileName:     address.FileName(),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
