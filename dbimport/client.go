// Package dbimport talks to the data-import service that loads spreadsheet
// and CSV data sets into a test database and removes them again.
package dbimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultURL is the service address inside the usual compose network.
const DefaultURL = "http://docker:8811/"

// ErrUnsupported is returned for a path that is neither a spreadsheet nor CSV.
var ErrUnsupported = errors.New("unsupported data set type")

// ErrMissingResource is returned when a data set is found in no resource root.
var ErrMissingResource = errors.New("missing data set resource")

// StatusError reports a response other than 200 OK.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dbimport %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client calls the data-import service.
type Client struct {
	BaseURL string

	// Resources are searched for relative data set paths before the path
	// is tried as given.
	Resources []string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New returns a client for baseURL, or DefaultURL when empty.
func New(baseURL string, resources ...string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		BaseURL:    baseURL,
		Resources:  resources,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		Logger:     slog.Default(),
	}
}

// IsExcel reports whether path names a spreadsheet.
func IsExcel(path string) bool {
	return strings.HasSuffix(path, ".xls") || strings.HasSuffix(path, ".xlsx")
}

// IsCSV reports whether path names a CSV file or a directory of them.
func IsCSV(path string) bool {
	return strings.HasSuffix(path, "csv") || strings.HasSuffix(path, "csv/")
}

// Import loads the data set at path, choosing the endpoint by file type.
func (c *Client) Import(ctx context.Context, path string, cleanBefore bool) error {
	switch {
	case IsExcel(path):
		return c.ImportExcel(ctx, path, cleanBefore)
	case IsCSV(path):
		return c.ImportCSV(ctx, path, cleanBefore)
	}
	return fmt.Errorf("%s: %w", path, ErrUnsupported)
}

// Teardown removes the data set at path, choosing the endpoint by file type.
func (c *Client) Teardown(ctx context.Context, path string) error {
	switch {
	case IsExcel(path):
		return c.TeardownExcel(ctx, path)
	case IsCSV(path):
		return c.TeardownCSV(ctx, path)
	}
	return fmt.Errorf("%s: %w", path, ErrUnsupported)
}

// ImportExcel uploads a spreadsheet to db/import/excel.
func (c *Client) ImportExcel(ctx context.Context, path string, cleanBefore bool) error {
	return c.postFile(ctx, "db/import/excel", path, cleanQuery(cleanBefore))
}

// TeardownExcel uploads a spreadsheet to db/teardown/excel.
func (c *Client) TeardownExcel(ctx context.Context, path string) error {
	return c.postFile(ctx, "db/teardown/excel", path, nil)
}

// ImportCSV sends the CSV location to db/import/csv.
func (c *Client) ImportCSV(ctx context.Context, path string, cleanBefore bool) error {
	return c.postPath(ctx, "db/import/csv", path, cleanQuery(cleanBefore))
}

// TeardownCSV sends the CSV location to db/teardown/csv.
func (c *Client) TeardownCSV(ctx context.Context, path string) error {
	return c.postPath(ctx, "db/teardown/csv", path, nil)
}

func cleanQuery(cleanBefore bool) url.Values {
	return url.Values{"cleanBefore": {strconv.FormatBool(cleanBefore)}}
}

// postFile sends the file content as the request body.
func (c *Client) postFile(ctx context.Context, endpoint, path string, query url.Values) error {
	resolved, err := c.resolve(path)
	if err != nil {
		return err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return fmt.Errorf("dbimport %s: %w", endpoint, err)
	}
	defer f.Close()
	return c.post(ctx, endpoint, query, "application/excel", f, resolved)
}

// postPath sends the absolute location as the csv_path form field.
func (c *Client) postPath(ctx context.Context, endpoint, path string, query url.Values) error {
	resolved, err := c.resolve(path)
	if err != nil {
		return err
	}
	form := url.Values{"csv_path": {resolved}}
	return c.post(ctx, endpoint, query, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), resolved)
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values, contentType string, body io.Reader, path string) error {
	u, err := c.endpointURL(endpoint, query)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return fmt.Errorf("dbimport %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("dbimport %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	c.logger().Info("data set sent", "endpoint", endpoint, "path", path)
	return nil
}

func (c *Client) endpointURL(endpoint string, query url.Values) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("dbimport base url %q: %w", c.BaseURL, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	u := base.ResolveReference(&url.URL{Path: endpoint})
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// resolve finds path in the resource roots, then as given, and returns it
// absolute.
func (c *Client) resolve(path string) (string, error) {
	var candidates []string
	if !filepath.IsAbs(path) {
		rel := strings.TrimPrefix(path, "./")
		for _, root := range c.Resources {
			candidates = append(candidates, filepath.Join(root, rel))
		}
	}
	candidates = append(candidates, path)
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}
	c.logger().Warn("data set not found", "path", path)
	return "", fmt.Errorf("%s: %w", path, ErrMissingResource)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
