package export

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

// FileTarget delivers artifacts into a watched directory, the file-drop
// mechanism the on-prem ERP importer polls. Writing to a temp name then
// renaming keeps a concurrent poller from ever observing a partial file.
type FileTarget struct {
	Dir string
}

func NewFileTarget(dir string) FileTarget { return FileTarget{Dir: dir} }

func (t FileTarget) Deliver(ctx context.Context, filename string, data []byte) error {
	if err := os.MkdirAll(t.Dir, 0o755); err != nil {
		return eris.Wrap(err, "export: create target directory")
	}
	final := filepath.Join(t.Dir, filename)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrap(err, "export: write artifact")
	}
	if err := os.Rename(tmp, final); err != nil {
		return eris.Wrap(err, "export: finalize artifact")
	}
	return nil
}

// HTTPTarget delivers artifacts to a local ERP intake endpoint. A 4xx
// response is treated as a schema violation (permanent); anything else
// (5xx, network error) is transient and eligible for retry.
type HTTPTarget struct {
	URL    string
	Client *http.Client
}

func NewHTTPTarget(url string, client *http.Client) HTTPTarget {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return HTTPTarget{URL: url, Client: client}
}

func (t HTTPTarget) Deliver(ctx context.Context, filename string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(data))
	if err != nil {
		return eris.Wrap(err, "export: build request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filename)

	resp, err := t.Client.Do(req)
	if err != nil {
		return eris.Wrap(err, "export: deliver artifact")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &SchemaError{Err: fmt.Errorf("erp intake rejected artifact: status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("erp intake transient failure: status %d", resp.StatusCode)
	default:
		return nil
	}
}
