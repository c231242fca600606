package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is an error response from the PostgREST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("postgrest: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("postgrest: %d: %s", e.Status, e.Message)
}

// PostgRESTStore talks to a hosted PostgREST data API. It supports neither
// atomic increments nor transactions.
type PostgRESTStore struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewPostgRESTStore returns a client for the API rooted at baseURL.
func NewPostgRESTStore(baseURL, apiKey string) *PostgRESTStore {
	return &PostgRESTStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *PostgRESTStore) Create(ctx context.Context, table string, rec Record) (Record, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", table, err)
	}

	var out []Record
	if _, err := s.do(ctx, http.MethodPost, table, nil, body, &out); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("insert into %s: no row returned", table)
	}
	return out[0], nil
}

// FindMany asks for an exact count and keeps requesting from where the last
// response ended until it has every matching row (or Limit rows), so a
// server-side max-rows cap does not truncate the result. Rows are ordered with
// id as tie-breaker to keep pages stable.
func (s *PostgRESTStore) FindMany(ctx context.Context, table string, filter Filter, opts FindOptions) ([]Record, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}
	q, err := filterQuery(filter)
	if err != nil {
		return nil, err
	}
	q.Set("select", "*")
	order := "id.asc"
	if opts.OrderBy != nil {
		if err := validIdent(opts.OrderBy.Column); err != nil {
			return nil, err
		}
		dir := "asc"
		if opts.OrderBy.Desc {
			dir = "desc"
		}
		order = opts.OrderBy.Column + "." + dir
		if opts.OrderBy.Column != "id" {
			order += ",id.asc"
		}
	}
	q.Set("order", order)

	var out []Record
	offset := opts.Offset
	for {
		if offset > 0 {
			q.Set("offset", strconv.Itoa(offset))
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit-len(out)))
		}

		var page []Record
		total, err := s.do(ctx, http.MethodGet, table, q, nil, &page)
		if err != nil {
			return nil, fmt.Errorf("select from %s: %w", table, err)
		}
		out = append(out, page...)
		offset += len(page)

		switch {
		case opts.Limit > 0 && len(out) >= opts.Limit, total < 0, offset >= total:
			return out, nil
		case len(page) == 0:
			return nil, fmt.Errorf("select from %s: %w: got %d of %d rows",
				table, ErrPartialResult, offset-opts.Offset, total-opts.Offset)
		}
	}
}

func (s *PostgRESTStore) Update(ctx context.Context, table string, filter Filter, values Record) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("update %s: refusing update without filter", table)
	}
	q, err := filterQuery(filter)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(values)
	if err != nil {
		return 0, fmt.Errorf("encode %s values: %w", table, err)
	}

	var out []Record
	if _, err := s.do(ctx, http.MethodPatch, table, q, body, &out); err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return int64(len(out)), nil
}

// do sends one request and decodes the JSON array body into out. For reads it
// returns the total row count from Content-Range, or -1 when the server did
// not report one.
func (s *PostgRESTStore) do(ctx context.Context, method, table string, q url.Values, body []byte, out *[]Record) (int, error) {
	u := s.BaseURL + "/" + table
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return -1, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodGet {
		req.Header.Set("Prefer", "count=exact")
	} else {
		req.Header.Set("Prefer", "return=representation")
	}
	if s.APIKey != "" {
		req.Header.Set("apikey", s.APIKey)
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return -1, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return -1, apiErr
	}
	total := contentRangeTotal(resp.Header.Get("Content-Range"))
	if len(bytes.TrimSpace(data)) == 0 {
		return total, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return -1, fmt.Errorf("decode response: %w", err)
	}
	return total, nil
}

// contentRangeTotal parses the total out of "0-24/3573" or "*/0".
func contentRangeTotal(h string) int {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(h[i+1:])
	if err != nil {
		return -1
	}
	return n
}

func filterQuery(filter Filter) (url.Values, error) {
	q := url.Values{}
	for _, k := range sortedKeys(filter) {
		if err := validIdent(k); err != nil {
			return nil, err
		}
		if filter[k] == nil {
			q.Set(k, "is.null")
			continue
		}
		q.Set(k, "eq."+fmt.Sprint(filter[k]))
	}
	return q, nil
}
