package misp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Client is a thin HTTP wrapper around one MISP instance (§4.4),
// generalizing the teacher's MispCon from a single global connection to
// one client per InstanceConfig.
type Client struct {
	instance InstanceConfig
	log      *logrus.Entry
}

// NewClient builds a Client for instance, logging with the fields the rest
// of the connector uses ("instance").
func NewClient(instance InstanceConfig, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{instance: instance, log: log.WithField("instance", instance.Name)}
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/%s", c.instance.BaseURL, path)
}

// doJSON issues a POST with a JSON body and returns the raw response body
// on 2xx, or a *FetchError otherwise (§4.4).
func (c *Client) doJSON(ctx context.Context, path string, body interface{}) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &ParseError{Context: "request body for " + path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(buf))
	if err != nil {
		return nil, &FetchError{Instance: c.instance.Name, Path: path, Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	c.log.WithField("path", path).Debug("misp request")
	resp, err := c.instance.HTTPClient.Do(req)
	if err != nil {
		return nil, &FetchError{Instance: c.instance.Name, Path: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Instance: c.instance.Name, Path: path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Instance: c.instance.Name, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", c.instance.APIKey)
	req.Header.Set("Accept", "application/json")
}

// GetIndexSince implements "events/index" (§4.4, §6.2).
func (c *Client) GetIndexSince(ctx context.Context, sinceSec int64) ([]MispEventSummary, error) {
	body := map[string]interface{}{"searchpublish_timestamp": sinceSec}
	raw, err := c.doJSON(ctx, "events/index", body)
	if err != nil {
		return nil, err
	}
	var parsed mispEventIndexResponse
	var entries []mispEventIndexEntry
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Some deployments return the bare array instead of {"response": [...]}.
		if err2 := json.Unmarshal(raw, &entries); err2 != nil {
			return nil, &ParseError{Context: "events/index response", Err: err}
		}
	} else {
		entries = parsed.Response
	}

	summaries := make([]MispEventSummary, 0, len(entries))
	for _, e := range entries {
		s, err := e.toSummary(c.instance.Name)
		if err != nil {
			c.log.WithError(err).Warn("skipping unparsable event index entry")
			continue
		}
		summaries = append(summaries, s)
	}
	if len(summaries) != len(entries) {
		c.log.Warnf("parsed %d of %d raw index entries", len(summaries), len(entries))
	}
	return summaries, nil
}

// GetAttributes implements "attributes/restSearch/json" (§4.4, §6.2).
func (c *Client) GetAttributes(ctx context.Context, eventID string, sinceSec *int64) ([]MispAttribute, error) {
	request := map[string]interface{}{"eventid": eventID}
	if sinceSec != nil {
		request["timestamp"] = *sinceSec
	}
	raw, err := c.doJSON(ctx, "attributes/restSearch/json", map[string]interface{}{"request": request})
	if err != nil {
		return nil, err
	}
	var parsed mispAttributeSearchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ParseError{Context: "attribute search response", Err: err}
	}
	return parsed.flattenAttributes(), nil
}

// CreateEvent implements "events" (§4.4, §6.2). eventPayload must already
// be shaped as {"Event": {...}} per §6.2.
func (c *Client) CreateEvent(ctx context.Context, eventPayload map[string]interface{}) (eventID string, rejected map[int]string, err error) {
	raw, err := c.doJSON(ctx, "events", eventPayload)
	if err != nil {
		return "", nil, err
	}
	var parsed mispCreateEventResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", nil, &ParseError{Context: "create event response", Err: err}
	}
	return parsed.Event.ID, parseAttributeErrors(parsed.Errors), nil
}

// parseAttributeErrors interprets errors.Attribute as a map of
// index→{value:[msg]} (§4.6 step 4). Per the open question in §9, an
// unexpected shape is treated as "no errors recorded" rather than a
// failure.
func parseAttributeErrors(raw json.RawMessage) map[int]string {
	if len(raw) == 0 {
		return nil
	}
	var wrapper struct {
		Errors struct {
			Attribute map[string]struct {
				Value []string `json:"value"`
			} `json:"Attribute"`
		} `json:"errors"`
	}
	// The errors blob is sometimes the top-level object itself, sometimes
	// nested one level under "errors" again; try the flatter shape first.
	var flat struct {
		Attribute map[string]struct {
			Value []string `json:"value"`
		} `json:"Attribute"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat.Attribute) > 0 {
		return toIndexMessageMap(flat.Attribute)
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Errors.Attribute) > 0 {
		return toIndexMessageMap(wrapper.Errors.Attribute)
	}
	return nil
}

func toIndexMessageMap(m map[string]struct{ Value []string `json:"value"` }) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		idx, err := parseIndex(k)
		if err != nil {
			continue
		}
		msg := ""
		if len(v.Value) > 0 {
			msg = v.Value[0]
		}
		out[idx] = msg
	}
	return out
}

func parseIndex(s string) (int, error) {
	var idx int
	_, err := fmt.Sscanf(s, "%d", &idx)
	return idx, err
}

// AddAttribute implements "attributes/add/{eventId}" (§4.4, §6.2).
func (c *Client) AddAttribute(ctx context.Context, eventID string, attr map[string]interface{}) error {
	_, err := c.doJSON(ctx, fmt.Sprintf("attributes/add/%s", eventID), attr)
	return err
}

// UploadSample implements "events/upload_sample" (§4.4, §6.2, §6.3).
func (c *Client) UploadSample(ctx context.Context, eventID int, comment, filename string, data []byte) error {
	payload := map[string]interface{}{
		"request": map[string]interface{}{
			"event_id": eventID,
			"category": "Payload delivery",
			"type":     "malware-sample",
			"comment":  comment,
			"files": []map[string]interface{}{
				{"filename": filename, "data": base64.StdEncoding.EncodeToString(data)},
			},
		},
	}
	_, err := c.doJSON(ctx, "events/upload_sample", payload)
	return err
}

// DownloadedFile is the result of a streaming download (§4.3).
type DownloadedFile struct {
	Filename string
	Mime     string
	Body     io.ReadCloser
}

var contentDispositionRe = regexp.MustCompile(`attachment;\s*filename="(.*)"`)

// DownloadAttribute implements "attributes/download/{id}" (§4.3, §4.4,
// §6.2). The caller is responsible for closing the returned Body.
func (c *Client) DownloadAttribute(ctx context.Context, id string) (*DownloadedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(fmt.Sprintf("attributes/download/%s", id)), nil)
	if err != nil {
		return nil, &FetchError{Instance: c.instance.Name, Path: "attributes/download", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.instance.HTTPClient.Do(req)
	if err != nil {
		return nil, &FetchError{Instance: c.instance.Name, Path: "attributes/download", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &FetchError{Instance: c.instance.Name, Path: "attributes/download", StatusCode: resp.StatusCode, Body: string(body)}
	}

	filename := "noname"
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if m := contentDispositionRe.FindStringSubmatch(cd); len(m) == 2 {
			filename = m[1]
		}
	}
	mimeType := "application/octet-stream"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil && parsed != "" {
			mimeType = parsed
		}
	}
	return &DownloadedFile{Filename: filename, Mime: mimeType, Body: resp.Body}, nil
}
