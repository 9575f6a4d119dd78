package tasks

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidRequest = errors.New("invalid generation request")

var validate = validator.New()

type EntityRequest struct {
	EntityID    string `json:"entity_id" validate:"required"`
	EntityLabel string `json:"entity_label"`
	Notes       string `json:"notes" validate:"max=2000"`
}

// UploadRequest uploads Content first and then creates the job from the
// returned upload id.
type UploadRequest struct {
	EntityID    string    `json:"entity_id" validate:"required"`
	EntityLabel string    `json:"entity_label"`
	Filename    string    `json:"filename" validate:"required"`
	Content     io.Reader `json:"-" validate:"required"`
	Notes       string    `json:"notes" validate:"max=2000"`
}

type TextRequest struct {
	EntityID    string `json:"entity_id" validate:"required"`
	EntityLabel string `json:"entity_label"`
	Description string `json:"description" validate:"required,max=4000"`
}

// RegenerateRequest takes its reference image either as a URL or as an
// upload. With neither, the backend uses the entity's current image.
type RegenerateRequest struct {
	EntityID          string    `json:"entity_id" validate:"required"`
	EntityLabel       string    `json:"entity_label"`
	ReferenceImageURL string    `json:"reference_image_url" validate:"omitempty,url"`
	ReferenceFilename string    `json:"reference_filename"`
	Reference         io.Reader `json:"-"`
	Feedback          string    `json:"feedback" validate:"max=2000"`
}

func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
