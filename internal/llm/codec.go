package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Codec maps token text to tokenizer ids. It is constructed explicitly
// and handed to the adapter that needs it.
type Codec interface {
	// TokenID returns the id of text when it encodes to exactly one token.
	TokenID(text string) (int, bool)

	// Encode tokenizes text.
	Encode(text string) ([]int, error)

	Name() string
}

// TiktokenCodec is a Codec backed by an embedded tiktoken vocabulary.
type TiktokenCodec struct {
	codec tokenizer.Codec
}

// NewTiktokenCodec loads the named encoding, e.g. "cl100k_base".
func NewTiktokenCodec(encoding string) (*TiktokenCodec, error) {
	c, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenCodec{codec: c}, nil
}

func (c *TiktokenCodec) TokenID(text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil || len(ids) != 1 {
		return 0, false
	}
	return int(ids[0]), true
}

func (c *TiktokenCodec) Encode(text string) ([]int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

func (c *TiktokenCodec) Name() string {
	return c.codec.GetName()
}
