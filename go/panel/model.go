package panel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Server is a single remote panel instance, central or node.
type Server struct {
	URL      string `json:"url" yaml:"url"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Key returns the panel's identity: its URL with trailing slashes trimmed.
// State rows, session registries, and per-panel maps are all keyed by it.
func (s Server) Key() string { return strings.TrimRight(s.URL, "/") }

// Traffic is an upload / download byte counter pair.
type Traffic struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// Add returns the component-wise sum of two counters.
func (t Traffic) Add(o Traffic) Traffic { return Traffic{Up: t.Up + o.Up, Down: t.Down + o.Down} }

// IsZero reports whether both components are zero.
func (t Traffic) IsZero() bool { return t.Up == 0 && t.Down == 0 }

// ClientStat is one entry of an inbound's clientStats array.
type ClientStat struct {
	Email string `json:"email"`
	Up    int64  `json:"up"`
	Down  int64  `json:"down"`
}

// Client is one subscriber record within an inbound's settings document.
// Panels attach fields freely, so the verbatim JSON object is carried and
// re-emitted on writes; only the fields this worker acts on are decoded.
type Client struct {
	Email              string
	ID                 string
	Password           string
	ExpiryTime         int64 // unix milliseconds; <= 0 means not started
	StartAfterFirstUse bool

	raw map[string]json.RawMessage
}

func (c *Client) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("client record is not an object: %w", err)
	}
	*c = Client{raw: raw}

	// Individual fields of unexpected type are treated as absent, matching
	// the tolerance panels themselves show for these documents.
	c.Email = stringField(raw, "email")
	c.ID = stringField(raw, "id")
	c.Password = stringField(raw, "password")
	c.ExpiryTime = intField(raw, "expiryTime")

	if v, ok := raw["startAfterFirstUse"]; ok {
		_ = json.Unmarshal(v, &c.StartAfterFirstUse)
	}
	return nil
}

// MarshalJSON emits the verbatim record, reflecting any setter updates.
func (c Client) MarshalJSON() ([]byte, error) {
	if c.raw != nil {
		return json.Marshal(c.raw)
	}
	// Built programmatically rather than parsed; emit the typed view.
	var m = make(map[string]json.RawMessage)
	putRaw(m, "email", c.Email)
	if c.ID != "" {
		putRaw(m, "id", c.ID)
	}
	if c.Password != "" {
		putRaw(m, "password", c.Password)
	}
	putRaw(m, "expiryTime", c.ExpiryTime)
	putRaw(m, "startAfterFirstUse", c.StartAfterFirstUse)
	return json.Marshal(m)
}

// SetExpiryTime updates the decoded field and, for parsed records, the
// underlying document.
func (c *Client) SetExpiryTime(ms int64) {
	c.ExpiryTime = ms
	if c.raw != nil {
		putRaw(c.raw, "expiryTime", ms)
	}
}

// SetStartAfterFirstUse updates the decoded field and, for parsed records,
// the underlying document.
func (c *Client) SetStartAfterFirstUse(v bool) {
	c.StartAfterFirstUse = v
	if c.raw != nil {
		putRaw(c.raw, "startAfterFirstUse", v)
	}
}

// Inbound is a panel ingress endpoint. As with Client, the verbatim record
// is preserved: inbound pushes are full-record overwrites of whatever the
// central panel holds, so unknown fields must survive the round trip.
type Inbound struct {
	ID          int64
	Protocol    string
	Settings    string
	ClientStats []ClientStat

	raw map[string]json.RawMessage
}

func (i *Inbound) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("inbound record is not an object: %w", err)
	}
	*i = Inbound{raw: raw}

	i.ID = intField(raw, "id")
	i.Protocol = stringField(raw, "protocol")
	i.Settings = stringField(raw, "settings")

	if v, ok := raw["clientStats"]; ok {
		var stats []*ClientStat
		if err := json.Unmarshal(v, &stats); err == nil {
			for _, s := range stats {
				if s != nil {
					i.ClientStats = append(i.ClientStats, *s)
				}
			}
		}
	}
	return nil
}

// MarshalJSON emits the verbatim record as listed from the panel.
func (i Inbound) MarshalJSON() ([]byte, error) {
	if i.raw != nil {
		return json.Marshal(i.raw)
	}
	var m = make(map[string]json.RawMessage)
	putRaw(m, "id", i.ID)
	if i.Protocol != "" {
		putRaw(m, "protocol", i.Protocol)
	}
	if i.Settings != "" {
		putRaw(m, "settings", i.Settings)
	}
	return json.Marshal(m)
}

// SettingsClients parses the opaque settings document and returns its client
// list. A malformed document yields no clients along with the parse error;
// callers log it and continue.
func (i *Inbound) SettingsClients() ([]Client, error) {
	return ParseSettings(i.Settings)
}

// ParseSettings extracts the clients of an inbound settings document.
func ParseSettings(settings string) ([]Client, error) {
	if settings == "" {
		return nil, nil
	}
	var doc struct {
		Clients []json.RawMessage `json:"clients"`
	}
	if err := json.Unmarshal([]byte(settings), &doc); err != nil {
		return nil, fmt.Errorf("parsing settings document: %w", err)
	}

	var out []Client
	for _, raw := range doc.Clients {
		var c Client
		if err := json.Unmarshal(raw, &c); err != nil {
			continue // Entries which aren't objects are skipped.
		}
		out = append(out, c)
	}
	return out, nil
}

func stringField(raw map[string]json.RawMessage, key string) string {
	var s string
	if v, ok := raw[key]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

// intField decodes an integer given as a JSON number or as a numeric string,
// as panels emit both. Anything else decodes as zero.
func intField(raw map[string]json.RawMessage, key string) int64 {
	var v, ok = raw[key]
	if !ok || string(v) == "null" {
		return 0
	}
	var num json.Number
	if err := json.Unmarshal(v, &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return int64(f)
		}
		return 0
	}
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		return 0
	}
	i, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return 0
	}
	return i
}

func putRaw(m map[string]json.RawMessage, key string, v interface{}) {
	var b, err = json.Marshal(v)
	if err != nil {
		panic(err) // Not reached: inputs are strings, integers, and bools.
	}
	m[key] = b
}
