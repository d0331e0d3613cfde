package syncer

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// WebDAVStore is a RemoteStore over a WebDAV collection: PROPFIND for
// listing, MKCOL up the chain for directories, plain GET/PUT/DELETE for
// blobs.
type WebDAVStore struct {
	base     *url.URL
	client   *http.Client
	username string
	password string
}

// NewWebDAVStore creates a store for the collection at baseURL.
func NewWebDAVStore(baseURL, username, password string, client *http.Client) (*WebDAVStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid WebDAV URL: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebDAVStore{base: u, client: client, username: username, password: password}, nil
}

// TargetID implements RemoteStore.
func (s *WebDAVStore) TargetID() string {
	return "webdav:" + s.base.String()
}

func (s *WebDAVStore) urlFor(p string) string {
	u := *s.base
	u.Path = path.Join(u.Path, strings.Trim(p, "/"))
	if strings.HasSuffix(p, "/") {
		u.Path += "/"
	}
	return u.String()
}

func (s *WebDAVStore) do(method, p string, body []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, s.urlFor(p), reader)
	if err != nil {
		return nil, err
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return s.client.Do(req)
}

// MkdirAll implements RemoteStore: MKCOL for each missing segment, parents
// first. 405 means the collection already exists.
func (s *WebDAVStore) MkdirAll(dir string) error {
	segments := strings.Split(strings.Trim(dir, "/"), "/")
	cur := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		cur = cur + seg + "/"
		resp, err := s.do("MKCOL", cur, nil, nil)
		if err != nil {
			return fmt.Errorf("MKCOL %s: %w", cur, err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusMethodNotAllowed, http.StatusOK:
		default:
			return fmt.Errorf("MKCOL %s: unexpected status %d", cur, resp.StatusCode)
		}
	}
	return nil
}

type propfindResponse struct {
	Responses []struct {
		Href string `xml:"href"`
	} `xml:"response"`
}

// List implements RemoteStore via Depth:1 PROPFIND.
func (s *WebDAVStore) List(dir string) ([]string, error) {
	resp, err := s.do("PROPFIND", strings.TrimSuffix(dir, "/")+"/", nil,
		map[string]string{"Depth": "1", "Content-Type": "application/xml"})
	if err != nil {
		return nil, fmt.Errorf("PROPFIND %s: %w", dir, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("PROPFIND %s: unexpected status %d", dir, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed propfindResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("PROPFIND %s: failed to parse response: %w", dir, err)
	}

	selfPath := strings.Trim(path.Join(s.base.Path, strings.Trim(dir, "/")), "/")
	var names []string
	for _, r := range parsed.Responses {
		href, err := url.PathUnescape(strings.TrimSuffix(r.Href, "/"))
		if err != nil {
			href = strings.TrimSuffix(r.Href, "/")
		}
		trimmed := strings.Trim(href, "/")
		if trimmed == selfPath || trimmed == "" {
			continue
		}
		names = append(names, path.Base(trimmed))
	}
	return names, nil
}

// Get implements RemoteStore.
func (s *WebDAVStore) Get(p string) ([]byte, error) {
	resp, err := s.do(http.MethodGet, p, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", p, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Put implements RemoteStore.
func (s *WebDAVStore) Put(p string, data []byte) error {
	resp, err := s.do(http.MethodPut, p, data,
		map[string]string{"Content-Type": "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("PUT %s: %w", p, err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return fmt.Errorf("PUT %s: unexpected status %d", p, resp.StatusCode)
	}
}

// Delete implements RemoteStore.
func (s *WebDAVStore) Delete(p string) error {
	resp, err := s.do(http.MethodDelete, p, nil, nil)
	if err != nil {
		return fmt.Errorf("DELETE %s: %w", p, err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return fmt.Errorf("DELETE %s: unexpected status %d", p, resp.StatusCode)
	}
}
