package descriptor

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseDocument extracts resolver entries from a runtime-fetched JSON
// configuration document of the form:
//
//	{"remotes": [{"scope": "files_tab", "url": "...", "member": "Plugin"}, ...]}
//
// Entries with an empty url fall back to the environment defaults at resolve
// time.
func ParseDocument(data []byte) ([]Entry, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("remote configuration document is not valid JSON")
	}

	remotes := gjson.GetBytes(data, "remotes")
	if !remotes.Exists() {
		return nil, fmt.Errorf("remote configuration document has no \"remotes\" key")
	}
	if !remotes.IsArray() {
		return nil, fmt.Errorf("\"remotes\" must be an array")
	}

	var entries []Entry
	var parseErr error
	remotes.ForEach(func(_, item gjson.Result) bool {
		scope := item.Get("scope").String()
		if scope == "" {
			parseErr = fmt.Errorf("remote entry %d: scope is required", len(entries))
			return false
		}
		entries = append(entries, Entry{
			Scope:   scope,
			URL:     item.Get("url").String(),
			Member:  item.Get("member").String(),
			DevPort: int(item.Get("devPort").Int()),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return entries, nil
}
