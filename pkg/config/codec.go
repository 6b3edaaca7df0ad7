package config

import (
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/erpconnect/pkg/json"
)

// connectorConfigAlias has ConnectorConfig's fields but none of its methods.
type connectorConfigAlias ConnectorConfig

// connectorConfigWire is the encoded form: all plain fields plus the
// credentials envelope.
type connectorConfigWire struct {
	connectorConfigAlias `yaml:",inline"`
	Credentials          *credentialEnvelope `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

func (c ConnectorConfig) toWire() connectorConfigWire {
	w := connectorConfigWire{connectorConfigAlias: connectorConfigAlias(c)}
	if c.Credentials != nil {
		w.Credentials = c.Credentials.envelope()
	}
	return w
}

func (c *ConnectorConfig) fromWire(w connectorConfigWire) error {
	*c = ConnectorConfig(w.connectorConfigAlias)
	if w.Credentials == nil {
		c.Credentials = nil
		return nil
	}
	creds, err := w.Credentials.decode()
	if err != nil {
		return err
	}
	c.Credentials = creds
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c ConnectorConfig) MarshalYAML() (interface{}, error) {
	return c.toWire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *ConnectorConfig) UnmarshalYAML(node *yaml.Node) error {
	var w connectorConfigWire
	if err := node.Decode(&w); err != nil {
		return err
	}
	return c.fromWire(w)
}

// MarshalJSON implements json.Marshaler.
func (c ConnectorConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toWire())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ConnectorConfig) UnmarshalJSON(data []byte) error {
	var w connectorConfigWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	return c.fromWire(w)
}
