// internal/historian/model.go
package historian

// Status is the subscription state of one tag.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFail     Status = "fail"
	StatusNew      Status = "new"
	StatusModified Status = "modified"
	StatusRemove   Status = "remove"
)

// Tag maps one controller symbol to a line-record field.
type Tag struct {
	Field    string `json:"field"`
	Tag      string `json:"tag"`
	Status   Status `json:"status"`
	OnChange bool   `json:"onChange"`
	Disabled bool   `json:"disabled"`
}

// Active reports whether the tag takes part in reconciliation.
func (t Tag) Active() bool {
	return !t.Disabled && t.Status != StatusRemove
}

// Config is the logging config of one controller.
// It is persisted as <config_dir>/<name>.json.
type Config struct {
	Measurement string `json:"measurement"`
	Name        string `json:"name"`
	Tags        []Tag  `json:"tags"`
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Tags = append([]Tag(nil), c.Tags...)
	return out
}

func (c *Config) find(symbol string) int {
	for i, t := range c.Tags {
		if t.Tag == symbol {
			return i
		}
	}
	return -1
}

func cloneConfigs(in map[string]Config) map[string]Config {
	out := make(map[string]Config, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
