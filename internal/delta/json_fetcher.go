package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/httpretry"
)

// StatusError is a non-2xx answer that the retry layer did not absorb.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delta fetch %s: http %d: %s", e.URL, e.StatusCode, e.Body)
}

// JSONFetcher reads pages shaped like {"value": [...], "@odata.nextLink": "...",
// "@odata.deltaLink": "..."}; the bare nextLink/deltaLink spellings work too.
type JSONFetcher struct {
	client *httpretry.Client
	header http.Header
	// GroupField names the item attribute that groups changes, e.g. conversationId.
	GroupField string
}

func NewJSONFetcher(client *httpretry.Client, header http.Header) *JSONFetcher {
	return &JSONFetcher{client: client, header: header, GroupField: "conversationId"}
}

type pageEnvelope struct {
	Value      []json.RawMessage `json:"value"`
	ODataNext  string            `json:"@odata.nextLink"`
	Next       string            `json:"nextLink"`
	ODataDelta string            `json:"@odata.deltaLink"`
	Delta      string            `json:"deltaLink"`
}

func (f *JSONFetcher) FetchPage(ctx context.Context, url string) (domain.DeltaPage, error) {
	resp, err := f.client.Get(ctx, url, f.header)
	if err != nil {
		return domain.DeltaPage{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.DeltaPage{}, errors.Wrap(err, "read delta page")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.DeltaPage{}, &StatusError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return ParsePage(body, f.GroupField)
}

// ParsePage decodes one feed page. Items are kept whole in Change.Body.
func ParsePage(body []byte, groupField string) (domain.DeltaPage, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.DeltaPage{}, errors.Wrap(err, "decode delta page")
	}
	page := domain.DeltaPage{
		NextLink:   firstNonEmpty(env.ODataNext, env.Next),
		ResumeLink: firstNonEmpty(env.ODataDelta, env.Delta),
		Items:      make([]domain.Change, 0, len(env.Value)),
	}
	for _, raw := range env.Value {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return domain.DeltaPage{}, errors.Wrap(err, "decode delta item")
		}
		change := domain.Change{
			ID:      stringField(fields, "id"),
			GroupID: stringField(fields, groupField),
			Body:    raw,
		}
		if _, removed := fields["@removed"]; removed {
			change.Deleted = true
		}
		if deleted, ok := fields["deleted"]; ok && string(deleted) == "true" {
			change.Deleted = true
		}
		page.Items = append(page.Items, change)
	}
	return page, nil
}

func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok || name == "" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
