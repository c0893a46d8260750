package agave

import "encoding/json"

// App is one entry of the app catalogue.
type App struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DecodeAppList decodes the result array of an app listing.
func DecodeAppList(d *Document) ([]App, error) {
	raw, ok := d.Result()
	if !ok {
		return nil, missing("app list has no result")
	}
	var apps []App
	if err := json.Unmarshal(raw, &apps); err != nil {
		return nil, missing("app list: %v", err)
	}
	out := apps[:0]
	for _, a := range apps {
		if a.ID != "" {
			out = append(out, a)
		}
	}
	return out, nil
}
