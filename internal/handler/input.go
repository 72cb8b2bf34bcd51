package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/maauso/hunyuan-i2v-worker/internal/ingest"
	"github.com/maauso/hunyuan-i2v-worker/internal/workflow"
)

// Validation errors.
var (
	// ErrNoImage is returned when the request carries no image source.
	ErrNoImage = errors.New("no image or image_url provided")
	// ErrAmbiguousImage is returned when both image and image_url are set.
	ErrAmbiguousImage = errors.New("provide either image or image_url, not both")
	// ErrInvalidInput is returned when a field fails validation.
	ErrInvalidInput = errors.New("invalid input")
)

// Input is a generation request. Numeric fields are pointers so an absent
// field takes its default while an explicit zero is validated.
type Input struct {
	// Image is base64 (optionally a data URI) or an http(s) URL.
	Image string `json:"image,omitempty"`
	// ImageURL is an http(s) URL to fetch the image from.
	ImageURL string `json:"image_url,omitempty" validate:"omitempty,http_url"`
	// Workflow replaces the default graph when non-empty. It is submitted as is.
	Workflow json.RawMessage `json:"workflow,omitempty"`

	Prompt         string   `json:"prompt,omitempty" validate:"max=10000"`
	NegativePrompt string   `json:"negative_prompt,omitempty" validate:"max=10000"`
	Seed           *int64   `json:"seed,omitempty" validate:"omitempty,min=0"`
	NumFrames      *int     `json:"num_frames,omitempty" validate:"omitempty,min=1,max=1024"`
	FPS            *int     `json:"fps,omitempty" validate:"omitempty,min=1,max=120"`
	Steps          *int     `json:"steps,omitempty" validate:"omitempty,min=1,max=200"`
	CFG            *float64 `json:"cfg,omitempty" validate:"omitempty,gte=0,lte=100"`
	Width          *int     `json:"width,omitempty" validate:"omitempty,min=16,max=4096"`
	Height         *int     `json:"height,omitempty" validate:"omitempty,min=16,max=4096"`
	Shift          *float64 `json:"shift,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// validate checks the field constraints and that exactly one image source is set.
func (in Input) validate(v *validator.Validate) error {
	hasImage := strings.TrimSpace(in.Image) != ""
	hasURL := strings.TrimSpace(in.ImageURL) != ""
	switch {
	case !hasImage && !hasURL:
		return ErrNoImage
	case hasImage && hasURL:
		return ErrAmbiguousImage
	}

	if err := v.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, describeValidation(err))
	}
	return nil
}

// source returns the image source; validate must have passed.
func (in Input) source() ingest.Source {
	if in.ImageURL != "" {
		return ingest.Source{URL: strings.TrimSpace(in.ImageURL)}
	}
	return ingest.SourceFromString(strings.TrimSpace(in.Image))
}

// params fills the graph parameters, defaulting absent fields.
func (in Input) params(image string) workflow.Params {
	p := workflow.DefaultParams()
	p.Image = image
	p.Prompt = in.Prompt
	p.NegativePrompt = in.NegativePrompt
	p.Seed = in.Seed
	setIfPresent(&p.NumFrames, in.NumFrames)
	setIfPresent(&p.FPS, in.FPS)
	setIfPresent(&p.Steps, in.Steps)
	setIfPresent(&p.CFG, in.CFG)
	setIfPresent(&p.Width, in.Width)
	setIfPresent(&p.Height, in.Height)
	setIfPresent(&p.Shift, in.Shift)
	return p
}

func setIfPresent[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// describeValidation flattens validator errors into "field: rule" pairs.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), rule))
	}
	return strings.Join(parts, ", ")
}
