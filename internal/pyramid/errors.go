package pyramid

import (
	"fmt"
	"image"
)

// InitError reports an image, level or series that could not be opened
// after the fallback attempts.
type InitError struct {
	ImageID int64
	Level   int
	Series  int
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("open image %d level %d series %d: %v", e.ImageID, e.Level, e.Series, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// LevelNotFoundError reports a requested level at or beyond the number of
// discovered pyramid levels.
type LevelNotFoundError struct {
	ImageID   int64
	Level     int
	NumLevels int
}

func (e *LevelNotFoundError) Error() string {
	return fmt.Sprintf("image %d: pyramid level %d does not exist (%d levels)", e.ImageID, e.Level, e.NumLevels)
}

// DecodeError reports a single plane read that failed after one
// reconnect-and-retry. The reader stays usable.
type DecodeError struct {
	ImageID int64
	Level   int
	Channel int
	Region  image.Rectangle
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image %d level %d channel %d region %v: %v", e.ImageID, e.Level, e.Channel, e.Region, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
