package content

import (
	"errors"
	"fmt"

	"github.com/instagram-autoposter/internal/models"
)

// ErrUnknownMedia is returned when generated bytes are not a recognised image or video
var ErrUnknownMedia = errors.New("unrecognised media type")

// GenerationError means no media could be produced for the job. Permanent
// marks configuration problems that a retry cannot fix.
type GenerationError struct {
	Category  models.Category
	Step      string
	Err       error
	Permanent bool
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s (%s): %v", e.Category, e.Step, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying the job cannot help
func (e *GenerationError) IsPermanent() bool { return e.Permanent }

func configError(category models.Category, step string, err error) *GenerationError {
	return &GenerationError{Category: category, Step: step, Err: err, Permanent: true}
}

// UploadError means the media was produced but could not be stored
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
