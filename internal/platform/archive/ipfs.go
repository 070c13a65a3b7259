package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/recordvault/pkg/apperr"
)

// IPFS archives bundles through the HTTP RPC API of an IPFS node
// (/api/v0/add and /api/v0/cat). Added content is pinned.
type IPFS struct {
	baseURL string
	client  *http.Client
}

func NewIPFS(baseURL string, timeout time.Duration) *IPFS {
	return &IPFS{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type ipfsAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

func (p *IPFS) Put(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "bundle")
	if err != nil {
		return "", archivalError("archive.Put", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", archivalError("archive.Put", err)
	}
	if err := mw.Close(); err != nil {
		return "", archivalError("archive.Put", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/v0/add?pin=true&cid-version=1", &body)
	if err != nil {
		return "", archivalError("archive.Put", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", archivalError("archive.Put", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", archivalError("archive.Put", fmt.Errorf("ipfs add returned %d: %s", resp.StatusCode, msg))
	}

	var out ipfsAddResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", archivalError("archive.Put", fmt.Errorf("decode ipfs add response: %w", err))
	}
	if out.Hash == "" {
		return "", archivalError("archive.Put", fmt.Errorf("ipfs add returned no hash"))
	}
	return out.Hash, nil
}

func (p *IPFS) Get(ctx context.Context, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/v0/cat?arg="+url.QueryEscape(address), nil)
	if err != nil {
		return nil, archivalError("archive.Get", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, archivalError("archive.Get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusNotFound || bytes.Contains(msg, []byte("not found")) {
			return nil, apperr.Newf(apperr.KindNotFound, "archive.Get", "no blob at %s", address)
		}
		return nil, archivalError("archive.Get", fmt.Errorf("ipfs cat returned %d: %s", resp.StatusCode, msg))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, archivalError("archive.Get", err)
	}
	return data, nil
}
