package browser

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed selectors.yaml
var defaultSelectorsYAML []byte

// Selectors is the page vocabulary of the web client. It is data, loaded
// from YAML, so a markup change needs a config edit and not a release.
type Selectors struct {
	LoginURL         string   `yaml:"login_url"`
	MessagesURL      string   `yaml:"messages_url"`
	Email            []string `yaml:"email"`
	Password         []string `yaml:"password"`
	LoginButton      []string `yaml:"login_button"`
	ChatItem         []string `yaml:"chat_item"`
	MessageText      []string `yaml:"message_text"`
	ReplyInput       []string `yaml:"reply_input"`
	SendButton       []string `yaml:"send_button"`
	ChatIDAttributes []string `yaml:"chat_id_attributes"`
}

// DefaultSelectors returns the embedded selector set.
func DefaultSelectors() Selectors {
	var s Selectors
	if err := yaml.Unmarshal(defaultSelectorsYAML, &s); err != nil {
		panic(fmt.Sprintf("embedded selectors: %v", err))
	}
	return s
}

// LoadSelectors reads a YAML override file. Fields absent from the file keep
// their defaults. An empty path returns the defaults.
func LoadSelectors(path string) (Selectors, error) {
	s := DefaultSelectors()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read selectors: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse selectors: %w", err)
	}
	return s, nil
}

func query(list []string) string {
	return strings.Join(list, ", ")
}
