// Package firestore implements remote.Store on the Cloud Firestore REST API.
//
// Tasks are stored at
//
//	projects/{project}/databases/{database}/documents/users/{uid}/tasks/{id}
//
// with the fields title, description, folder (strings) and updatedAt
// (integer milliseconds), the same layout the web client writes.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	fs "google.golang.org/api/firestore/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/schema"
)

const (
	// APITimeout bounds every request: one write, one delete or one page of
	// a listing.
	APITimeout = 5 * time.Second

	// PageSize is the number of documents fetched per list page.
	PageSize = 300

	// DefaultDatabase is the Firestore database id used when none is set.
	DefaultDatabase = "(default)"

	collectionUsers = "users"
	collectionTasks = "tasks"
)

// Session reports the signed-in user. identity.Provider satisfies it.
type Session interface {
	CurrentUserID() string
}

// Config selects the Firestore project and database.
type Config struct {
	Project  string
	Database string

	// Endpoint overrides the API base URL (emulators, tests).
	Endpoint string
}

// Client implements remote.Store.
type Client struct {
	svc     *fs.Service
	cfg     Config
	session Session
	timeout time.Duration
}

var _ remote.Store = (*Client)(nil)

// New creates a Firestore client authenticated by ts. Calls are refused with
// remote.ErrAuthRequired unless session reports the same user they target.
func New(ctx context.Context, cfg Config, ts oauth2.TokenSource, session Session) (*Client, error) {
	httpClient := oauth2.NewClient(ctx, ts)
	return NewWithHTTPClient(ctx, cfg, httpClient, session)
}

// NewWithHTTPClient creates a client with a custom HTTP client (for testing).
func NewWithHTTPClient(ctx context.Context, cfg Config, httpClient *http.Client, session Session) (*Client, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("firestore project is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := fs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore service: %w", err)
	}

	return &Client{svc: svc, cfg: cfg, session: session, timeout: APITimeout}, nil
}

// Write implements remote.Store.Write.
func (c *Client) Write(ctx context.Context, userID, id string, fields schema.Fields) error {
	if err := c.authorize(userID); err != nil {
		return err
	}
	name, err := c.documentName(userID, id)
	if err != nil {
		return err
	}

	doc, err := encodeDocument(fields)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.svc.Projects.Databases.Documents.Patch(name, doc).Context(ctx).Do(); err != nil {
		return wrapError(err)
	}
	return nil
}

// Delete implements remote.Store.Delete. A missing document counts as
// deleted.
func (c *Client) Delete(ctx context.Context, userID, id string) error {
	if err := c.authorize(userID); err != nil {
		return err
	}
	name, err := c.documentName(userID, id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err = c.svc.Projects.Databases.Documents.Delete(name).Context(ctx).Do()
	if err := wrapError(err); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return nil
}

// ListAll implements remote.Store.ListAll, paging through the whole
// collection. Each page gets its own timeout, so a large collection is not
// cut off by a deadline meant for one request.
func (c *Client) ListAll(ctx context.Context, userID string) ([]remote.Document, error) {
	if err := c.authorize(userID); err != nil {
		return nil, err
	}

	call := c.svc.Projects.Databases.Documents.List(c.userPath(userID), collectionTasks).
		PageSize(PageSize)
	docs := make([]remote.Document, 0)
	token := ""
	for {
		resp, err := c.listPage(ctx, call, token)
		if err != nil {
			// A missing collection lists as empty on Firestore, so 404 here
			// is a wrong project or database.
			return nil, wrapError(err)
		}
		for _, d := range resp.Documents {
			doc, err := decodeDocument(d)
			if err != nil {
				// A partial listing would make the prune step delete the
				// documents it could not read.
				return nil, err
			}
			docs = append(docs, doc)
		}
		if resp.NextPageToken == "" {
			return docs, nil
		}
		token = resp.NextPageToken
	}
}

func (c *Client) listPage(ctx context.Context, call *fs.ProjectsDatabasesDocumentsListCall, token string) (*fs.ListDocumentsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return call.PageToken(token).Context(ctx).Do()
}

func (c *Client) authorize(userID string) error {
	if c.session == nil {
		return remote.ErrAuthRequired
	}
	current := c.session.CurrentUserID()
	if current == "" || current != userID {
		return remote.ErrAuthRequired
	}
	return nil
}

func (c *Client) databasePath() string {
	return fmt.Sprintf("projects/%s/databases/%s/documents", c.cfg.Project, c.cfg.Database)
}

func (c *Client) userPath(userID string) string {
	return c.databasePath() + "/" + collectionUsers + "/" + userID
}

func (c *Client) documentName(userID, id string) (string, error) {
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return c.userPath(userID) + "/" + collectionTasks + "/" + id, nil
}

// restValue mirrors the REST encoding of a Firestore Value for the kinds a
// task document uses. Integers travel as decimal strings.
type restValue struct {
	StringValue  *string  `json:"stringValue,omitempty"`
	IntegerValue *string  `json:"integerValue,omitempty"`
	DoubleValue  *float64 `json:"doubleValue,omitempty"`
}

func stringValue(s string) restValue {
	return restValue{StringValue: &s}
}

func integerValue(n int64) restValue {
	s := strconv.FormatInt(n, 10)
	return restValue{IntegerValue: &s}
}

// encodeDocument builds the Firestore document body through its REST JSON
// form, which is the wire contract of the Value type.
func encodeDocument(f schema.Fields) (*fs.Document, error) {
	body := map[string]map[string]restValue{
		"fields": {
			"title":       stringValue(f.Title),
			"description": stringValue(f.Description),
			"folder":      stringValue(f.Folder),
			"updatedAt":   integerValue(f.UpdatedAt),
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc fs.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return &doc, nil
}

func decodeDocument(d *fs.Document) (remote.Document, error) {
	id := path.Base(d.Name)
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return remote.Document{}, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	var values map[string]restValue
	if err := json.Unmarshal(data, &values); err != nil {
		return remote.Document{}, fmt.Errorf("failed to decode document %s: %w", id, err)
	}

	updatedAt, err := values["updatedAt"].int()
	if err != nil {
		return remote.Document{}, fmt.Errorf("document %s: updatedAt: %w", id, err)
	}

	return remote.Document{
		ID: id,
		Fields: schema.Fields{
			Title:       values["title"].string(),
			Description: values["description"].string(),
			Folder:      values["folder"].string(),
			UpdatedAt:   updatedAt,
		},
	}, nil
}

func (v restValue) string() string {
	if v.StringValue == nil {
		return ""
	}
	return *v.StringValue
}

func (v restValue) int() (int64, error) {
	switch {
	case v.IntegerValue != nil:
		return strconv.ParseInt(*v.IntegerValue, 10, 64)
	case v.DoubleValue != nil:
		return int64(*v.DoubleValue), nil
	default:
		return 0, nil
	}
}

// wrapError maps API failures onto the remote error taxonomy.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: token expired or revoked (run: prepsync login): %v", remote.ErrAuthRequired, err)
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", remote.ErrNetwork, err)
		default:
			return fmt.Errorf("remote rejected request: %w", err)
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", remote.ErrAuthRequired, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: request timed out", remote.ErrNetwork)
	}

	// Anything else failed below HTTP: DNS, refused connection, reset.
	return fmt.Errorf("%w: %v", remote.ErrNetwork, err)
}
