// Package content implements the heterogeneous content-block sequence
// carried by messages, runs, and south-side session/update notifications.
// Blocks are tagged variants ({"type":"text",...}, {"type":"image",...}, or
// any forward-compatible shape); unrecognized variants round-trip verbatim.
package content

import (
	"bytes"
	"encoding/json"
)

// Block is one element of a content sequence. Known variants (Text, Image)
// get typed accessors; everything else is kept as raw JSON and re-emitted
// byte-for-byte on the way back out, preserving field order and any fields
// this bridge does not understand.
type Block struct {
	Type string
	raw  json.RawMessage
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imageBlock struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// NewText builds a text block.
func NewText(text string) Block {
	raw, _ := json.Marshal(textBlock{Type: "text", Text: text})
	return Block{Type: "text", raw: raw}
}

// NewImage builds an image block.
func NewImage(data, mimeType string) Block {
	raw, _ := json.Marshal(imageBlock{Type: "image", Data: data, MimeType: mimeType})
	return Block{Type: "image", raw: raw}
}

// Text returns the block's text and true if this is a text block.
func (b Block) Text() (string, bool) {
	if b.Type != "text" {
		return "", false
	}
	var t textBlock
	if err := json.Unmarshal(b.raw, &t); err != nil {
		return "", false
	}
	return t.Text, true
}

// Image returns the block's data/mimeType and true if this is an image block.
func (b Block) Image() (data, mimeType string, ok bool) {
	if b.Type != "image" {
		return "", "", false
	}
	var im imageBlock
	if err := json.Unmarshal(b.raw, &im); err != nil {
		return "", "", false
	}
	return im.Data, im.MimeType, true
}

// Raw returns the exact JSON bytes this block was decoded from (or built
// from, for Text/Image), suitable for verbatim re-emission.
func (b Block) Raw() json.RawMessage { return b.raw }

func (b Block) MarshalJSON() ([]byte, error) {
	if len(b.raw) == 0 {
		return []byte("null"), nil
	}
	return b.raw, nil
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	b.Type = probe.Type
	b.raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	return nil
}

// Blocks is an ordered content-block sequence. It round-trips through
// encoding/json using Block's own (un)marshalers, so order and unknown
// shapes survive unchanged.
type Blocks []Block

// Text concatenates the Text() of every text block in order, ignoring
// non-text blocks.
func (bs Blocks) Text() string {
	var buf bytes.Buffer
	for _, b := range bs {
		if t, ok := b.Text(); ok {
			buf.WriteString(t)
		}
	}
	return buf.String()
}
