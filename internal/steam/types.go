package steam

import (
	"encoding/json"
	"strconv"
)

// AppDetails is the raw attribute bag returned by the detail endpoint for
// one appid. Field types mirror the upstream JSON, which is loosely typed:
// numbers arrive as strings or numbers depending on the field and the app.
type AppDetails struct {
	AppID          int64      `json:"appid"`
	Name           string     `json:"name"`
	Developer      string     `json:"developer"`
	Publisher      string     `json:"publisher"`
	ScoreRank      FlexString `json:"score_rank"`
	Positive       int64      `json:"positive"`
	Negative       int64      `json:"negative"`
	Owners         string     `json:"owners"`
	AverageForever int64      `json:"average_forever"`
	Average2Weeks  int64      `json:"average_2weeks"`
	MedianForever  int64      `json:"median_forever"`
	Median2Weeks   int64      `json:"median_2weeks"`
	CCU            int64      `json:"ccu"`
	Price          FlexString `json:"price"`
	InitialPrice   FlexString `json:"initialprice"`
	Discount       FlexString `json:"discount"`
	Genre          string     `json:"genre"`
	Languages      string     `json:"languages"`
	Tags           TagVotes   `json:"tags"`

	// Raw is the unmodified response body, kept for the raw debug blob.
	Raw json.RawMessage `json:"-"`
}

// FlexString decodes a JSON string, number, or null into a string.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Int64 parses the value as an integer, returning def when empty or
// unparseable.
func (f FlexString) Int64(def int64) int64 {
	if f == "" {
		return def
	}
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// TagVotes maps tag names to vote counts. The upstream encodes "no tags"
// as an empty JSON array instead of an empty object.
type TagVotes map[string]int64

func (t *TagVotes) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		*t = nil
		return nil
	}
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*t = m
	return nil
}

// appListResponse is the shape of the official list endpoint.
type appListResponse struct {
	AppList struct {
		Apps []struct {
			AppID int64 `json:"appid"`
		} `json:"apps"`
	} `json:"applist"`
}
