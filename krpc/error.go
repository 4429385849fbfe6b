package krpc

import (
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// Error codes defined by BEP 5.
const (
	ErrorCodeGeneric       = 201
	ErrorCodeServer        = 202
	ErrorCodeProtocol      = 203
	ErrorCodeMethodUnknown = 204
)

// Error is the value of the "e" key: a [code, message] list on the wire.
type Error struct {
	Code    int
	Message string
}

// Error implements the error interface so remote errors can be returned to
// the issuing query as-is.
func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// MarshalBencode encodes the error as a two element list.
func (e Error) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Message})
}

// UnmarshalBencode decodes a [code, message] list. Nodes in the wild sometimes
// omit the message, so a single element list is accepted.
func (e *Error) UnmarshalBencode(b []byte) error {
	var v interface{}
	if err := bencode.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("decoding krpc error: %w", err)
	}
	l, ok := v.([]interface{})
	if !ok {
		return fmt.Errorf("%w: error is %T, not a list", ErrMalformed, v)
	}
	if len(l) == 0 {
		return fmt.Errorf("%w: empty error list", ErrMalformed)
	}

	code, ok := l[0].(int64)
	if !ok {
		return fmt.Errorf("%w: error code is %T", ErrMalformed, l[0])
	}
	e.Code = int(code)

	if len(l) > 1 {
		if msg, ok := l[1].(string); ok {
			e.Message = msg
		}
	}
	return nil
}
