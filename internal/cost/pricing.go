package cost

// Prediction pricing (USD). Kontext-class models bill per image; older
// models bill by predict time on shared hardware.

type replicatePrice struct {
	PerImage  float64
	PerSecond float64
}

var replicatePricing = map[string]replicatePrice{
	// Per-image models.
	"black-forest-labs/flux-kontext-dev": {PerImage: 0.025},
	"black-forest-labs/flux-kontext-pro": {PerImage: 0.04},
	"black-forest-labs/flux-kontext-max": {PerImage: 0.08},
	"qwen/qwen-image-edit":               {PerImage: 0.03},
	"bytedance/seedream-4":               {PerImage: 0.03},

	// Time-based models.
	"nightmareai/real-esrgan":                   {PerSecond: 0.000575}, // A40
	"stability-ai/stable-diffusion-x4-upscaler": {PerSecond: 0.001528}, // H100
	"wan-video/wan-2.2-i2v-fast":                {PerSecond: 0.001528},
	"wan-video/wan-2.2-5b-fast":                 {PerSecond: 0.000575},
	"bytedance/seedance-1-pro-fast":             {PerSecond: 0.001528},
	"hailuoai/hailuo-1.5":                       {PerSecond: 0.001528},
}

// defaultPerSecond is the safe fallback for unknown models.
const defaultPerSecond = 0.000575

// ReplicateCost prices a finished prediction: per-image when the model
// has flat pricing, otherwise predict time at the model's rate.
func ReplicateCost(modelID string, predictTime float64) float64 {
	price, ok := replicatePricing[modelID]
	if !ok {
		return predictTime * defaultPerSecond
	}
	if price.PerImage > 0 {
		return price.PerImage
	}
	return predictTime * price.PerSecond
}

var geminiPerImage = map[string]float64{
	"gemini-2.5-flash-image": 0.039,
}

// Gemini 3 Pro prices by output resolution.
var geminiProPerResolution = map[string]float64{
	"1K": 0.139,
	"2K": 0.139,
	"4K": 0.24,
}

// GeminiCost prices a synchronous image generation.
func GeminiCost(model, resolution string) float64 {
	if model == "gemini-3-pro-image-preview" {
		if p, ok := geminiProPerResolution[resolution]; ok {
			return p
		}
		return geminiProPerResolution["1K"]
	}
	return geminiPerImage[model]
}
