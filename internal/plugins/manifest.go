package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenLabCore/internal/commands"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"gopkg.in/yaml.v3"
)

const (
	ManifestFile     = "configuration.json"
	ManifestFileYAML = "plugin.yaml"
)

// Manifest is the declarative description of a plugin.
type Manifest struct {
	Name          string                    `json:"name"`
	Description   string                    `json:"description,omitempty"`
	Version       string                    `json:"version,omitempty"`
	Device        map[string]DeviceEntry    `json:"device,omitempty"`
	Configuration map[string]types.Property `json:"configuration,omitempty"`
	Commands      []commands.Command        `json:"commands,omitempty"`
	EntryPoint    string                    `json:"entry_point,omitempty"`
}

// DeviceNames returns the declared device names in a stable order.
func (m *Manifest) DeviceNames() []string {
	names := make([]string, 0, len(m.Device))
	for name := range m.Device {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeviceEntry declares one device. Keys other than class, tabClass and
// options are property schemas such as baudrate.
type DeviceEntry struct {
	Class      string
	TabClass   string
	Options    map[string]any
	Properties map[string]types.Property
}

func (d *DeviceEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, value := range raw {
		var err error
		switch key {
		case "class":
			err = json.Unmarshal(value, &d.Class)
		case "tabClass":
			err = json.Unmarshal(value, &d.TabClass)
		case "options":
			err = json.Unmarshal(value, &d.Options)
		default:
			var prop types.Property
			if err = json.Unmarshal(value, &prop); err == nil {
				if d.Properties == nil {
					d.Properties = make(map[string]types.Property)
				}
				d.Properties[key] = prop
			}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (d DeviceEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Properties)+3)
	for k, v := range d.Properties {
		out[k] = v
	}
	if d.Class != "" {
		out["class"] = d.Class
	}
	if d.TabClass != "" {
		out["tabClass"] = d.TabClass
	}
	if d.Options != nil {
		out["options"] = d.Options
	}
	return json.Marshal(out)
}

// DecodeOptions decodes the options block into out.
func (d DeviceEntry) DecodeOptions(out any) error {
	data, err := json.Marshal(d.Options)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// yamlToJSON normalizes a YAML manifest into JSON so both formats share
// one validation and decoding path.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return json.Marshal(doc)
}

// decodeDocument returns the generic document used for schema validation.
func decodeDocument(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return doc, nil
}
