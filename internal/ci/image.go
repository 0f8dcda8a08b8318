package ci

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	defaultPortProtocol = "http"
	defaultPortName     = "default_port"
)

// Port is a port exposed by a job image or service. It may be declared as a bare number, in
// which case the protocol is http and the name is default_port.
type Port struct {
	Number   int    `json:"number" yaml:"number"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Name     string `json:"name" yaml:"name"`
}

func (p *Port) fill() {
	if p.Protocol == "" {
		p.Protocol = defaultPortProtocol
	}
	if p.Name == "" {
		p.Name = defaultPortName
	}
}

type portObject Port

func (p *Port) UnmarshalJSON(data []byte) error {
	var number int
	if err := json.Unmarshal(data, &number); err == nil {
		*p = Port{Number: number}
		p.fill()
		return nil
	}
	var obj portObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("port: expected number or object: %w", err)
	}
	*p = Port(obj)
	p.fill()
	return nil
}

func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var number int
		if err := value.Decode(&number); err != nil {
			return fmt.Errorf("port: %w", err)
		}
		*p = Port{Number: number}
		p.fill()
		return nil
	}
	var obj portObject
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	*p = Port(obj)
	p.fill()
	return nil
}

// Image is a container image used by a job, or a service next to it. It may be declared as a
// bare image name.
type Image struct {
	Name       string   `json:"name" yaml:"name"`
	Alias      string   `json:"alias,omitempty" yaml:"alias,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Command    []string `json:"command,omitempty" yaml:"command,omitempty"`
	Ports      []Port   `json:"ports,omitempty" yaml:"ports,omitempty"`
}

type imageObject Image

func (i *Image) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*i = Image{Name: name}
		return nil
	}
	var obj imageObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("image: expected string or object: %w", err)
	}
	*i = Image(obj)
	return nil
}

func (i *Image) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*i = Image{Name: value.Value}
		return nil
	}
	var obj imageObject
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("image: %w", err)
	}
	*i = Image(obj)
	return nil
}
