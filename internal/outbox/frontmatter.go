package outbox

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Header is the YAML frontmatter of an outbox file.
type Header struct {
	Room    string `yaml:"room"`
	MsgType string `yaml:"msgtype"`
}

// Message is a parsed outbox file.
type Message struct {
	RoomID  id.RoomID
	MsgType string
	Body    string
}

var errNoFrontmatter = errors.New("missing frontmatter")

// Parse splits content into frontmatter and body. The room field is
// required; the body is trimmed and must not be empty.
func Parse(content []byte) (*Message, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))

	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, errNoFrontmatter
	}

	// Skip the rest of the opening line.
	rest := content[3:]

	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, errNoFrontmatter
	}

	rest = rest[idx+1:]

	var block, body []byte

	switch {
	case bytes.HasPrefix(rest, []byte("---")):
		body = rest[3:]
	default:
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return nil, errNoFrontmatter
		}

		block = rest[:end]
		body = rest[end+4:]
	}

	var h Header
	if err := yaml.Unmarshal(block, &h); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	roomID := id.RoomID(strings.TrimSpace(h.Room))
	if !strings.HasPrefix(string(roomID), "!") {
		return nil, fmt.Errorf("frontmatter room %q is not a room ID", h.Room)
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, fmt.Errorf("empty message body")
	}

	return &Message{RoomID: roomID, MsgType: strings.TrimSpace(h.MsgType), Body: text}, nil
}
