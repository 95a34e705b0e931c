package imagecodec

import "fmt"

// DecodeError reports an input byte stream that is not a readable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a buffer that cannot be written as an image.
type EncodeError struct {
	Channels int
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode image (%d channels): %v", e.Channels, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
