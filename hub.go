package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultHubURL is the model hub queried when no base URL is configured.
const DefaultHubURL = "https://huggingface.co"

// hubModelInfo is the subset of the hub's model metadata we read.
type hubModelInfo struct {
	// ID is the canonical model id as reported by the hub.
	ID string `json:"id"`

	// SHA is the commit the revision resolved to.
	SHA string `json:"sha"`

	// Siblings lists every file in the model repository.
	Siblings []hubSibling `json:"siblings"`
}

// hubSibling is one file entry in hubModelInfo.
type hubSibling struct {
	// RFilename is the path relative to the repository root.
	RFilename string `json:"rfilename"`

	// Size is present when the request asked for blobs.
	Size int64 `json:"size"`

	// LFS is present for files stored through git-lfs.
	LFS *hubLFS `json:"lfs,omitempty"`
}

// hubLFS carries the content hash of large files.
type hubLFS struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// HubClient talks to a Hugging Face compatible model hub.
type HubClient struct {
	// baseURL is the hub root without a trailing slash.
	baseURL string

	// token is sent as a bearer token when non-empty.
	token string

	// httpClient is used for HTTP requests.
	httpClient HTTPClient

	// logger receives diagnostic messages. Never nil.
	logger Logger
}

// NewHubClient creates a hub client. An empty baseURL selects DefaultHubURL,
// a nil client selects http.DefaultClient and a nil logger disables logging.
func NewHubClient(baseURL, token string, client HTTPClient, logger Logger) *HubClient {
	if baseURL == "" {
		baseURL = DefaultHubURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &HubClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: client,
		logger:     logger,
	}
}

// ModelFiles lists the files of modelID at revision.
// Returns ErrModelNotFound if the hub does not know the model or revision,
// ErrNetworkError on transport failures and ErrHubError otherwise.
func (h *HubClient) ModelFiles(ctx context.Context, modelID, revision string) ([]RemoteFile, error) {
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/api/models/%s/revision/%s?blobs=true", h.baseURL, escapeID(modelID), url.PathEscape(revision))
	resp, err := h.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetching model info for %s: %w", modelID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, modelID); err != nil {
		return nil, err
	}

	var info hubModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, wrapf(ErrHubError, "parsing model info for %s: %v", modelID, err)
	}

	files := make([]RemoteFile, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		rf := RemoteFile{Path: s.RFilename, Size: s.Size}
		if s.LFS != nil {
			rf.SHA256 = s.LFS.SHA256
			if rf.Size == 0 {
				rf.Size = s.LFS.Size
			}
		}
		files = append(files, rf)
	}

	h.logger.Debug("listed hub files", "model", modelID, "revision", revision, "commit", info.SHA, "files", len(files))
	return files, nil
}

// Open starts downloading one file and returns its body and the size the
// server announced (-1 if unknown). The caller must close the body.
func (h *HubClient) Open(ctx context.Context, modelID, revision, filePath string) (io.ReadCloser, int64, error) {
	u := fmt.Sprintf("%s/%s/resolve/%s/%s", h.baseURL, escapeID(modelID), url.PathEscape(revision), escapeID(filePath))
	resp, err := h.get(ctx, u)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching %s/%s: %w", modelID, filePath, err)
	}

	if err := checkStatus(resp, modelID+"/"+filePath); err != nil {
		resp.Body.Close()
		return nil, 0, err
	}

	return resp.Body, resp.ContentLength, nil
}

// get issues an authenticated GET request.
func (h *HubClient) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapf(ErrNetworkError, "%v", err)
	}
	return resp, nil
}

// checkStatus maps a non-200 response to a sentinel error.
func checkStatus(resp *http.Response, what string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return wrapf(ErrModelNotFound, "%s", what)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return wrapf(ErrHubError, "%s: status %d (check the hub token)", what, resp.StatusCode)
	case resp.StatusCode >= 500:
		return wrapf(ErrNetworkError, "%s: status %d", what, resp.StatusCode)
	default:
		return wrapf(ErrHubError, "%s: status %d", what, resp.StatusCode)
	}
}

// escapeID escapes each segment of a slash-separated path.
func escapeID(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
