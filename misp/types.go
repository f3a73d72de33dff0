package misp

import (
	"encoding/json"
	"strconv"
	"time"
)

// MispAttribute is one attribute on a remote event (§3), generalized from
// the teacher's MispAttribute struct to carry tags and a deleted flag.
type MispAttribute struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	UUID         string    `json:"uuid"`
	StrTimestamp string    `json:"timestamp"`
	Category     string    `json:"category"`
	Type         string    `json:"type"`
	Value        string    `json:"value"`
	Comment      string    `json:"comment"`
	ToIDS        bool      `json:"to_ids"`
	Deleted      bool      `json:"deleted"`
	Tags         []MispTag `json:"Tag"`
}

// MispTag is a tag attached to an event or attribute.
type MispTag struct {
	Name string `json:"name"`
}

// TagNames flattens Tags to their bare names.
func (a MispAttribute) TagNames() []string {
	out := make([]string, 0, len(a.Tags))
	for _, t := range a.Tags {
		out = append(out, t.Name)
	}
	return out
}

// Date returns the attribute's update time, §3's "date is the attribute's
// update time (seconds since epoch)".
func (a MispAttribute) Date() time.Time {
	sec, err := strconv.ParseInt(a.StrTimestamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// MispEventSummary is the header of a remote event as seen in the index
// (§3).
type MispEventSummary struct {
	Source           string
	SourceRef        string
	Info             string
	ThreatLevel      string
	Date             string
	Tags             []string
	PublishTimestamp time.Time
}

// mispEventIndexEntry is the wire shape of one element in the
// events/index response.
type mispEventIndexEntry struct {
	ID                 string    `json:"id"`
	Info               string    `json:"info"`
	Date               string    `json:"date"`
	ThreatLevelID      string    `json:"threat_level_id"`
	PublishedTimestamp string    `json:"publish_timestamp"`
	Tag                []MispTag `json:"Tag"`
}

func (e mispEventIndexEntry) toSummary(instance string) (MispEventSummary, error) {
	sec, err := strconv.ParseInt(e.PublishedTimestamp, 10, 64)
	var pub time.Time
	if err == nil {
		pub = time.Unix(sec, 0).UTC()
	}
	tags := make([]string, 0, len(e.Tag))
	for _, t := range e.Tag {
		tags = append(tags, t.Name)
	}
	return MispEventSummary{
		Source:           instance,
		SourceRef:        e.ID,
		Info:             e.Info,
		ThreatLevel:      e.ThreatLevelID,
		Date:             e.Date,
		Tags:             tags,
		PublishTimestamp: pub,
	}, nil
}

// mispEventIndexResponse is the wire shape of the events/index response
// body. MISP nests the list under "response"; some deployments omit the
// wrapper and return the array directly, so decoding tolerates both (§4.5
// step 1: "summaries that fail to parse are logged and skipped").
type mispEventIndexResponse struct {
	Response []mispEventIndexEntry `json:"response"`
}

// mispAttributeSearchResponse is the wire shape of the
// attributes/restSearch/json response body (§4.5 step 3: "Parse the
// response path response.Attribute[*], flattened, tolerating nesting").
type mispAttributeSearchResponse struct {
	Response struct {
		Attribute []MispAttribute `json:"Attribute"`
		Event     struct {
			Attribute []MispAttribute `json:"Attribute"`
		} `json:"Event"`
	} `json:"response"`
}

// flattenAttributes tolerates both the bare and Event-nested attribute
// array shapes MISP has shipped across versions.
func (r mispAttributeSearchResponse) flattenAttributes() []MispAttribute {
	if len(r.Response.Attribute) > 0 {
		return r.Response.Attribute
	}
	return r.Response.Event.Attribute
}

// mispCreateEventResponse is the wire shape of the events POST response.
type mispCreateEventResponse struct {
	Event struct {
		ID string `json:"id"`
	} `json:"Event"`
	Errors json.RawMessage `json:"errors"`
}
