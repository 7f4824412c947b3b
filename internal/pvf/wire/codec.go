package wire

import (
	"fmt"
	"io"

	appErr "pvfexec/pkg/errors"

	"github.com/near/borsh-go"
)

// Validator is implemented by messages that carry invariants beyond their encoding,
// such as tagged variants that must name a known kind.
type Validator interface {
	Validate() error
}

// DecodeError reports which message failed to decode.
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Message, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes v with borsh.
func Encode(v any) ([]byte, error) {
	data, err := borsh.Serialize(v)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.EncodeFailed, "encode %T: %v", v, err)
	}
	return data, nil
}

// Decode deserializes data into v. Input may come from an untrusted job process, so a
// panicking decoder is reported as a DecodeError as well.
func Decode(message string, data []byte, v any) error {
	if err := decode(message, data, v); err != nil {
		return err
	}
	return validate(message, v)
}

func decode(message string, data []byte, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DecodeError{Message: message, Err: fmt.Errorf("decoder panic: %v", r)}
		}
	}()
	if err := borsh.Deserialize(v, data); err != nil {
		return &DecodeError{Message: message, Err: err}
	}
	return nil
}

func validate(message string, v any) error {
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return &DecodeError{Message: message, Err: err}
		}
	}
	return nil
}

// BulkEncoder is implemented by messages whose large byte fields skip borsh (tagged
// borsh_skip) and follow the message as raw frames, in the order returned.
type BulkEncoder interface {
	EncodeBulk() [][]byte
}

// BulkDecoder is the receiving side of BulkEncoder. next yields the raw frames that followed
// the message; the decoded header is already in place when DecodeBulk runs.
type BulkDecoder interface {
	DecodeBulk(next func() ([]byte, error)) error
}

// SendMessage encodes v and writes it as one frame, followed by its bulk frames.
func SendMessage(w io.Writer, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	if err := Send(w, data); err != nil {
		return err
	}
	if b, ok := v.(BulkEncoder); ok {
		for _, payload := range b.EncodeBulk() {
			if err := Send(w, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecvMessage reads one message, including any bulk frames, and decodes it into v.
func RecvMessage(r io.Reader, message string, v any) error {
	data, err := Recv(r)
	if err != nil {
		return err
	}
	b, ok := v.(BulkDecoder)
	if !ok {
		return Decode(message, data, v)
	}
	if err := decode(message, data, v); err != nil {
		return err
	}
	if err := b.DecodeBulk(func() ([]byte, error) { return Recv(r) }); err != nil {
		if IsEndOfStream(err) {
			return err
		}
		return &DecodeError{Message: message, Err: err}
	}
	return validate(message, v)
}
