package models

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrEmptyPrompt       = errors.New("prompt cannot be empty")
	ErrUnknownModel      = errors.New("unknown model")
	ErrInvalidResolution = errors.New("invalid resolution for model")
	ErrModelKindMismatch = errors.New("model does not support this operation")
)

type ProviderType string

const (
	ProviderReplicate ProviderType = "replicate"
	ProviderGemini    ProviderType = "gemini"
)

// JobClass selects the polling cadence for asynchronous predictions.
// Video jobs run for minutes and are polled on a longer interval.
type JobClass string

const (
	JobClassImage JobClass = "image"
	JobClassVideo JobClass = "video"
)

type ModelKind string

const (
	KindEdit    ModelKind = "edit"
	KindUpscale ModelKind = "upscale"
	KindVideo   ModelKind = "video"
)

func ValidResolutions() []string {
	return []string{"1K", "2K", "4K"}
}

// MaxDimension maps a resolution label to the longest edge the input
// image is resized to before being sent to a provider.
func MaxDimension(resolution string) int {
	switch resolution {
	case "2K":
		return 2048
	case "4K":
		return 4096
	default:
		return 1024
	}
}

// ModelSpec describes one generation model: which provider serves it,
// how its prediction input is shaped, and how it is polled.
type ModelSpec struct {
	Name        string
	Label       string
	Provider    ProviderType
	Kind        ModelKind
	JobClass    JobClass
	ReplicateID string

	// ImageKey is the prediction input field carrying the source image URL.
	// ImageAsList wraps the URL in a single-element array for models that
	// take a batch of inputs.
	ImageKey    string
	ImageAsList bool

	// Extra holds static per-model input fields sent with every prediction.
	Extra map[string]any

	PromptRequired     bool
	SupportsResolution bool
	SupportsReferences bool
}

// BuildInput shapes the prediction input payload for an asynchronous job.
// Only meaningful for replicate-served models.
func (m *ModelSpec) BuildInput(imageURL, prompt string) map[string]any {
	input := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		input[k] = v
	}
	if m.ImageKey != "" && imageURL != "" {
		if m.ImageAsList {
			input[m.ImageKey] = []string{imageURL}
		} else {
			input[m.ImageKey] = imageURL
		}
	}
	if prompt != "" {
		input["prompt"] = prompt
	}
	return input
}

// Validate checks a prompt/resolution combination against the model.
func (m *ModelSpec) Validate(prompt, resolution string) error {
	if m.PromptRequired && prompt == "" {
		return ErrEmptyPrompt
	}
	if resolution != "" {
		if !m.SupportsResolution {
			return fmt.Errorf("%w: %s takes no resolution", ErrInvalidResolution, m.Name)
		}
		valid := false
		for _, r := range ValidResolutions() {
			if r == resolution {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("%w: %q not in %v", ErrInvalidResolution, resolution, ValidResolutions())
		}
	}
	return nil
}

type ModelRegistry struct {
	models map[string]*ModelSpec
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]*ModelSpec)}
}

func (r *ModelRegistry) Register(spec *ModelSpec) {
	r.models[spec.Name] = spec
}

func (r *ModelRegistry) Get(name string) (*ModelSpec, bool) {
	spec, ok := r.models[name]
	return spec, ok
}

// GetKind resolves a model and checks it serves the requested operation.
func (r *ModelRegistry) GetKind(name string, kind ModelKind) (*ModelSpec, error) {
	spec, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	if spec.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s model", ErrModelKindMismatch, name, spec.Kind)
	}
	return spec, nil
}

func (r *ModelRegistry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ModelRegistry) ListByKind(kind ModelKind) []string {
	var names []string
	for name, spec := range r.models {
		if spec.Kind == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func DefaultRegistry() *ModelRegistry {
	r := NewModelRegistry()

	// Edit models.
	r.Register(&ModelSpec{
		Name:               "gemini-2.5-flash-image",
		Label:              "Gemini 2.5 Flash Image",
		Provider:           ProviderGemini,
		Kind:               KindEdit,
		PromptRequired:     true,
		SupportsReferences: true,
	})
	r.Register(&ModelSpec{
		Name:               "gemini-3-pro-image-preview",
		Label:              "Gemini 3 Pro Image",
		Provider:           ProviderGemini,
		Kind:               KindEdit,
		PromptRequired:     true,
		SupportsResolution: true,
		SupportsReferences: true,
	})
	r.Register(&ModelSpec{
		Name:           "flux-kontext-dev",
		Label:          "Flux Kontext Dev",
		Provider:       ProviderReplicate,
		Kind:           KindEdit,
		JobClass:       JobClassImage,
		ReplicateID:    "black-forest-labs/flux-kontext-dev",
		ImageKey:       "input_image",
		PromptRequired: true,
		Extra: map[string]any{
			"aspect_ratio":           "match_input_image",
			"output_format":          "png",
			"disable_safety_checker": true,
		},
	})
	r.Register(&ModelSpec{
		Name:           "flux-kontext-pro",
		Label:          "Flux Kontext Pro",
		Provider:       ProviderReplicate,
		Kind:           KindEdit,
		JobClass:       JobClassImage,
		ReplicateID:    "black-forest-labs/flux-kontext-pro",
		ImageKey:       "input_image",
		PromptRequired: true,
		Extra: map[string]any{
			"aspect_ratio":           "match_input_image",
			"output_format":          "png",
			"disable_safety_checker": true,
		},
	})
	r.Register(&ModelSpec{
		Name:           "flux-kontext-max",
		Label:          "Flux Kontext Max",
		Provider:       ProviderReplicate,
		Kind:           KindEdit,
		JobClass:       JobClassImage,
		ReplicateID:    "black-forest-labs/flux-kontext-max",
		ImageKey:       "input_image",
		PromptRequired: true,
		Extra: map[string]any{
			"aspect_ratio":           "match_input_image",
			"output_format":          "png",
			"disable_safety_checker": true,
		},
	})
	r.Register(&ModelSpec{
		Name:           "qwen-image-edit",
		Label:          "Qwen Image Edit",
		Provider:       ProviderReplicate,
		Kind:           KindEdit,
		JobClass:       JobClassImage,
		ReplicateID:    "qwen/qwen-image-edit",
		ImageKey:       "image",
		PromptRequired: true,
		Extra: map[string]any{
			"output_quality":         80,
			"disable_safety_checker": true,
		},
	})
	r.Register(&ModelSpec{
		Name:           "seedream-4",
		Label:          "Seedream 4",
		Provider:       ProviderReplicate,
		Kind:           KindEdit,
		JobClass:       JobClassImage,
		ReplicateID:    "bytedance/seedream-4",
		ImageKey:       "image_input",
		ImageAsList:    true,
		PromptRequired: true,
		Extra: map[string]any{
			"aspect_ratio":           "4:3",
			"disable_safety_checker": true,
		},
	})

	// Upscale models. No prompt required; the creative upscaler carries a
	// baked-in quality prompt.
	r.Register(&ModelSpec{
		Name:        "clarity-upscaler",
		Label:       "Clarity Upscaler",
		Provider:    ProviderReplicate,
		Kind:        KindUpscale,
		JobClass:    JobClassImage,
		ReplicateID: "nightmareai/real-esrgan",
		ImageKey:    "image",
		Extra: map[string]any{
			"scale":        2,
			"face_enhance": true,
		},
	})
	r.Register(&ModelSpec{
		Name:        "creative-upscaler",
		Label:       "Creative Upscaler",
		Provider:    ProviderReplicate,
		Kind:        KindUpscale,
		JobClass:    JobClassImage,
		ReplicateID: "stability-ai/stable-diffusion-x4-upscaler",
		ImageKey:    "image",
		Extra: map[string]any{
			"prompt":       "high quality, detailed",
			"scale":        4,
			"face_enhance": true,
		},
	})

	// Video models.
	r.Register(&ModelSpec{
		Name:           "wan-2.2-i2v-fast",
		Label:          "Wan 2.2 I2V Fast",
		Provider:       ProviderReplicate,
		Kind:           KindVideo,
		JobClass:       JobClassVideo,
		ReplicateID:    "wan-video/wan-2.2-i2v-fast",
		ImageKey:       "image",
		PromptRequired: true,
		Extra: map[string]any{
			"disable_safety_checker": true,
		},
	})
	r.Register(&ModelSpec{
		Name:           "wan-2.2-5b-fast",
		Label:          "Wan 2.2 5B Fast",
		Provider:       ProviderReplicate,
		Kind:           KindVideo,
		JobClass:       JobClassVideo,
		ReplicateID:    "wan-video/wan-2.2-5b-fast",
		ImageKey:       "image",
		PromptRequired: true,
		Extra: map[string]any{
			"sample_shift":           12,
			"disable_safety_checker": true,
		},
	})
	r.Register(&ModelSpec{
		Name:           "seedance-1-pro-fast-2s",
		Label:          "Seedance Pro Fast (2s)",
		Provider:       ProviderReplicate,
		Kind:           KindVideo,
		JobClass:       JobClassVideo,
		ReplicateID:    "bytedance/seedance-1-pro-fast",
		ImageKey:       "image",
		PromptRequired: true,
		Extra: map[string]any{
			"resolution": "480p",
			"duration":   2,
		},
	})
	r.Register(&ModelSpec{
		Name:           "seedance-1-pro-fast-5s",
		Label:          "Seedance Pro Fast (5s)",
		Provider:       ProviderReplicate,
		Kind:           KindVideo,
		JobClass:       JobClassVideo,
		ReplicateID:    "bytedance/seedance-1-pro-fast",
		ImageKey:       "image",
		PromptRequired: true,
		Extra: map[string]any{
			"resolution":          "480p",
			"duration_in_seconds": 5,
		},
	})
	r.Register(&ModelSpec{
		Name:           "hailuo-1.5",
		Label:          "Hailuo 1.5",
		Provider:       ProviderReplicate,
		Kind:           KindVideo,
		JobClass:       JobClassVideo,
		ReplicateID:    "hailuoai/hailuo-1.5",
		ImageKey:       "first_frame_image",
		PromptRequired: true,
		Extra: map[string]any{
			"duration":         6,
			"resolution":       "768p",
			"prompt_optimizer": true,
		},
	})

	return r
}
