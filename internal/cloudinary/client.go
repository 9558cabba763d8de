package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.cloudinary.com/v1_1"

// Client uploads images to Cloudinary using their REST API.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	HTTP      *http.Client

	now func() time.Time
}

// New creates a Cloudinary client.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		BaseURL:   defaultBaseURL,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// UploadResult holds the response from Cloudinary after a successful upload.
type UploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Bytes     int    `json:"bytes"`
}

// Upload streams an image to Cloudinary under publicID (inside the configured folder).
// Uploading the same publicID again overwrites the stored asset.
func (c *Client) Upload(ctx context.Context, file io.Reader, filename, publicID string) (*UploadResult, error) {
	body, contentType, err := c.form(file, filename, c.signedParams(publicID))
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/%s/image/upload", strings.TrimRight(c.BaseURL, "/"), c.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

// signedParams returns the form fields for an upload, signature included.
func (c *Client) signedParams(publicID string) map[string]string {
	params := map[string]string{
		"api_key":   c.APIKey,
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	if c.Folder != "" {
		params["folder"] = c.Folder
	}
	if publicID != "" {
		params["public_id"] = publicID
		params["overwrite"] = "true"
	}
	params["signature"] = c.sign(params)
	return params
}

// form encodes params and the file part as multipart/form-data.
func (c *Client) form(file io.Reader, filename string, params map[string]string) (*bytes.Buffer, string, error) {
	buf := new(bytes.Buffer)
	mw := multipart.NewWriter(buf)
	for key, val := range params {
		if err := mw.WriteField(key, val); err != nil {
			return nil, "", fmt.Errorf("cloudinary: field %s: %w", key, err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("cloudinary: file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("cloudinary: copy %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("cloudinary: finish form: %w", err)
	}
	return buf, mw.FormDataContentType(), nil
}

func (c *Client) do(req *http.Request) (*UploadResult, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: post: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("cloudinary: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result UploadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("cloudinary: decode response: %w", err)
	}
	return &result, nil
}

// sign is the hex SHA-1 of the sorted key=value pairs joined by '&' with the secret appended.
func (c *Client) sign(params map[string]string) string {
	var pairs []string
	for key, val := range params {
		switch key {
		case "api_key", "file", "resource_type", "signature":
			continue
		}
		if val != "" {
			pairs = append(pairs, key+"="+val)
		}
	}
	sort.Strings(pairs)

	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + c.APISecret))
	return hex.EncodeToString(sum[:])
}
