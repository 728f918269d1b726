// ABOUTME: HTTP client for the delivery-note backend endpoints
// ABOUTME: Uploads photos, lists validated delivery notes and downloads their images

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Endpoint paths
const (
	UploadPath       = "/api/delivery-notes"
	ListPath         = "/api/bons-livraison"
	TokenRefreshPath = "/api/token/refresh"
)

// maxImageSize bounds image downloads
const maxImageSize = 20 << 20

// Client calls the backend with a bearer token supplied per request
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the backend at baseURL.
// Pass nil httpClient or logger for defaults.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With("component", "api"),
	}
}

// BaseURL returns the backend root without a trailing slash
func (c *Client) BaseURL() string { return c.baseURL }

// Photo is one binary image to upload
type Photo struct {
	Data     []byte
	Name     string
	MimeType string
}

// UploadPhoto posts one photo as multipart form data. The server creates one
// delivery note per uploaded photo.
func (c *Client) UploadPhoto(ctx context.Context, token string, establishmentID int64, photo Photo) error {
	const op = "upload photo"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("etablissementId", strconv.FormatInt(establishmentID, 10)); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	name := photo.Name
	if name == "" {
		name = "photo"
	}
	mimeType := photo.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if _, err := part.Write(photo.Data); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if err := mw.Close(); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+UploadPath, &body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := CheckResponse(op, resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("photo uploaded", "establishment_id", establishmentID, "bytes", len(photo.Data))
	return nil
}

// ListParams filters a delivery-note listing. Zero values are omitted.
type ListParams struct {
	EstablishmentID int64
	Since           time.Time
	Limit           int
	Page            int
}

func (p ListParams) query() url.Values {
	q := url.Values{}
	if p.EstablishmentID != 0 {
		q.Set("etablissementId", strconv.FormatInt(p.EstablishmentID, 10))
	}
	if !p.Since.IsZero() {
		q.Set("since", p.Since.UTC().Format(time.RFC3339))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	return q
}

// DeliveryNote is a server-validated delivery note. The indexed fields are
// extracted; Raw keeps the full server representation.
type DeliveryNote struct {
	ID              int64
	EstablishmentID int64
	Status          string
	ValidatedAt     *time.Time
	HasImage        bool
	Raw             json.RawMessage
}

type listResponse struct {
	Success *bool             `json:"success"`
	Data    []json.RawMessage `json:"data"`
}

type wireNote struct {
	ID            *int64 `json:"id"`
	Etablissement *struct {
		ID *int64 `json:"id"`
	} `json:"etablissement"`
	Statut      string  `json:"statut"`
	ValidatedAt *string `json:"validatedAt"`
	HasImage    bool    `json:"hasImage"`
}

// ListDeliveryNotes fetches validated delivery notes. A body that is not
// {success: true, data: [...]} or a row missing id or etablissement.id is a
// TransportError.
func (c *Client) ListDeliveryNotes(ctx context.Context, token string, params ListParams) ([]DeliveryNote, error) {
	const op = "list delivery notes"

	u := c.baseURL + ListPath
	if q := params.query().Encode(); q != "" {
		u += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := CheckResponse(op, resp); err != nil {
		return nil, err
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if body.Success == nil || !*body.Success {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("response success flag not set")}
	}

	notes := make([]DeliveryNote, 0, len(body.Data))
	for i, raw := range body.Data {
		note, err := parseNote(raw)
		if err != nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("row %d: %w", i, err)}
		}
		notes = append(notes, note)
	}

	c.logger.Debug("listed delivery notes", "count", len(notes), "since", params.Since)
	return notes, nil
}

func parseNote(raw json.RawMessage) (DeliveryNote, error) {
	var w wireNote
	if err := json.Unmarshal(raw, &w); err != nil {
		return DeliveryNote{}, err
	}
	if w.ID == nil {
		return DeliveryNote{}, fmt.Errorf("missing id")
	}
	if w.Etablissement == nil || w.Etablissement.ID == nil {
		return DeliveryNote{}, fmt.Errorf("note %d: missing etablissement.id", *w.ID)
	}

	note := DeliveryNote{
		ID:              *w.ID,
		EstablishmentID: *w.Etablissement.ID,
		Status:          w.Statut,
		HasImage:        w.HasImage,
		Raw:             append(json.RawMessage(nil), raw...),
	}
	if w.ValidatedAt != nil {
		note.ValidatedAt = parseServerTime(*w.ValidatedAt)
	}
	return note, nil
}

var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseServerTime accepts the formats the backend emits; unparseable values are nil
func parseServerTime(s string) *time.Time {
	for _, layout := range serverTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// FetchImage downloads the image of a validated delivery note
func (c *Client) FetchImage(ctx context.Context, token string, id int64) ([]byte, error) {
	const op = "fetch image"

	u := fmt.Sprintf("%s%s/%d/image", c.baseURL, ListPath, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := CheckResponse(op, resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if len(data) > maxImageSize {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("image %d exceeds %d bytes", id, maxImageSize)}
	}
	if len(data) == 0 {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("image %d: empty body", id)}
	}
	return data, nil
}
