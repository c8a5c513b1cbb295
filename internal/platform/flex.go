package platform

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// flexString accepts a JSON string or number. Platform ids arrive as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexTime accepts RFC 3339 strings and unix timestamps in seconds or
// milliseconds. Unparseable values decode to the zero time.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || len(b) == 0 {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				*f = flexTime(t)
				return nil
			}
		}
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return nil
	}
	if n > 1e12 {
		*f = flexTime(time.UnixMilli(n))
	} else {
		*f = flexTime(time.Unix(n, 0))
	}
	return nil
}

func (f flexTime) Time() time.Time { return time.Time(f) }
