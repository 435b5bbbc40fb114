package link

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/cybre/growlight-controller/internal/errors"
)

// Encoder writes messages as newline delimited JSON.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

func (e *Encoder) Encode(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(m); err != nil {
		return errors.Wrapf(err, "encode %s message", m.Type)
	}

	return nil
}

// Decoder reads messages written by an Encoder, in order.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode returns io.EOF once the stream is exhausted.
func (d *Decoder) Decode() (Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}

		return Message{}, errors.Wrapf(err, "decode message")
	}

	return m, nil
}
