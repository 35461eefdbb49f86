package jobs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/config"
)

func newTestValidator(t *testing.T) *ParamValidator {
	t.Helper()
	v, err := NewParamValidator()
	if err != nil {
		t.Fatalf("NewParamValidator: %v", err)
	}
	return v
}

func TestValidate_Valid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		family string
		input  string
		want   string
	}{
		{config.FamilyImage, `{"aspect_ratio":"16:9","num_images":2,"seed":7}`, `{"aspect_ratio":"16:9","num_images":2,"seed":7}`},
		{config.FamilyImage, ``, `{}`},
		{config.FamilyImage, `null`, `{}`},
		{config.FamilyTextToVideo, `{"duration":10,"resolution":"720p","generate_audio":true}`, `{"duration":10,"generate_audio":true,"resolution":"720p"}`},
		{config.FamilyImageToVideo, `{"image_url":"https://cdn.example/in.png","duration":5}`, `{"duration":5,"image_url":"https://cdn.example/in.png"}`},
		{"unknown_family", `{}`, `{}`},
	}
	for _, tc := range cases {
		got, err := v.Validate(tc.family, json.RawMessage(tc.input))
		if err != nil {
			t.Fatalf("%s %s: expected valid, got: %v", tc.family, tc.input, err)
		}
		if string(got) != tc.want {
			t.Fatalf("%s %s: canonical form = %s, want %s", tc.family, tc.input, got, tc.want)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name   string
		family string
		input  string
	}{
		{"unknown key", config.FamilyImage, `{"steps":30}`},
		{"too many images", config.FamilyImage, `{"num_images":5}`},
		{"bad enum", config.FamilyImage, `{"output_format":"gif"}`},
		{"duration out of range", config.FamilyTextToVideo, `{"duration":60}`},
		{"i2v without image", config.FamilyImageToVideo, `{"duration":5}`},
		{"i2v bad uri", config.FamilyImageToVideo, `{"image_url":"not a url"}`},
		{"array", config.FamilyImage, `[]`},
		{"malformed", config.FamilyImage, `{"seed":`},
		{"params for schemaless family", "unknown_family", `{"x":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(tc.family, json.RawMessage(tc.input))
			if !errors.Is(err, apperrors.ErrInvalidParams) {
				t.Fatalf("expected INVALID_PARAMS, got: %v", err)
			}
		})
	}
}
