package workflow

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
)

// Default request values.
const (
	DefaultPrompt    = "high quality, smooth motion, cinematic"
	DefaultNumFrames = 25
	DefaultFPS       = 24
	DefaultSteps     = 20
	DefaultCFG       = 1.0
	DefaultWidth     = 720
	DefaultHeight    = 1280
	DefaultShift     = 7.0
)

// Model files loaded by the default graph.
const (
	UNetModel       = "hunyuanvideo1.5_720p_i2v_cfg_distilled_fp8_scaled.safetensors"
	VAEModel        = "hunyuanvideo15_vae_fp16.safetensors"
	TextEncoder     = "qwen_2.5_vl_7b_fp8_scaled.safetensors"
	GlyphEncoder    = "byt5_small_glyphxl_fp16.safetensors"
	ClipVisionModel = "sigclip_vision_patch14_384.safetensors"
	OutputPrefix    = "video/hunyuan_video_1.5"
)

// Node IDs of the default graph that carry request values.
const (
	NodeVAEDecode     = "8"
	NodePositive      = "44"
	NodeImageToVideo  = "78"
	NodeLoadImage     = "80"
	NodeNegative      = "93"
	NodeCreateVideo   = "101"
	NodeSaveVideo     = "102"
	NodeSampler       = "125"
	NodeScheduler     = "126"
	NodeNoise         = "127"
	NodeGuider        = "129"
	NodeModelSampling = "130"
)

// randomSeed draws a seed uniformly from the 32-bit range.
var randomSeed = func() int64 {
	return int64(rand.Uint32())
}

// Params are the request values substituted into the default graph.
type Params struct {
	// Image is the staged input filename as the backend sees it.
	Image          string
	Prompt         string
	NegativePrompt string
	// Seed is drawn at build time when nil.
	Seed      *int64
	NumFrames int
	FPS       int
	Steps     int
	CFG       float64
	Width     int
	Height    int
	Shift     float64
}

// DefaultParams returns the parameters used when a request leaves fields unset.
func DefaultParams() Params {
	return Params{
		NumFrames: DefaultNumFrames,
		FPS:       DefaultFPS,
		Steps:     DefaultSteps,
		CFG:       DefaultCFG,
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		Shift:     DefaultShift,
	}
}

// Resolved is the graph that will be submitted for a job.
type Resolved struct {
	Graph json.RawMessage
	// Seed is the noise seed of the default graph; zero for overrides.
	Seed int64
	// Override is true when the caller supplied the graph.
	Override bool
}

// Resolve returns the caller's override verbatim when it is non-empty,
// otherwise the encoded default graph for p.
func Resolve(override json.RawMessage, p Params) (Resolved, error) {
	if !isEmptyOverride(override) {
		return Resolved{Graph: override, Override: true}, nil
	}

	graph, seed := Build(p)
	data, err := graph.Encode()
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Graph: data, Seed: seed}, nil
}

// Build creates the Hunyuan Video 1.5 image-to-video graph and returns it with the seed it used.
func Build(p Params) (Graph, int64) {
	seed := randomSeed()
	if p.Seed != nil {
		seed = *p.Seed
	}
	prompt := p.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	g := Graph{
		NodeVAEDecode: node("VAEDecode", "VAE Decode", map[string]any{
			"samples": L(NodeSampler, 0),
			"vae":     L("10", 0),
		}),
		"10": node("VAELoader", "Load VAE", map[string]any{
			"vae_name": VAEModel,
		}),
		"11": node("DualCLIPLoader", "DualCLIPLoader", map[string]any{
			"clip_name1": TextEncoder,
			"clip_name2": GlyphEncoder,
			"type":       "hunyuan_video_15",
			"device":     "default",
		}),
		"12": node("UNETLoader", "Load Diffusion Model", map[string]any{
			"unet_name":    UNetModel,
			"weight_dtype": "default",
		}),
		NodePositive: node("CLIPTextEncode", "CLIP Text Encode (Positive Prompt)", map[string]any{
			"text": prompt,
			"clip": L("11", 0),
		}),
		NodeImageToVideo: node("HunyuanVideo15ImageToVideo", "HunyuanVideo15ImageToVideo", map[string]any{
			"width":              p.Width,
			"height":             p.Height,
			"length":             p.NumFrames,
			"batch_size":         1,
			"positive":           L(NodePositive, 0),
			"negative":           L(NodeNegative, 0),
			"vae":                L("10", 0),
			"start_image":        L(NodeLoadImage, 0),
			"clip_vision_output": L("79", 0),
		}),
		"79": node("CLIPVisionEncode", "CLIP Vision Encode", map[string]any{
			"crop":        "center",
			"clip_vision": L("81", 0),
			"image":       L(NodeLoadImage, 0),
		}),
		NodeLoadImage: node("LoadImage", "Load Image", map[string]any{
			"image": p.Image,
		}),
		"81": node("CLIPVisionLoader", "Load CLIP Vision", map[string]any{
			"clip_name": ClipVisionModel,
		}),
		NodeNegative: node("CLIPTextEncode", "CLIP Text Encode (Negative Prompt)", map[string]any{
			"text": p.NegativePrompt,
			"clip": L("11", 0),
		}),
		NodeCreateVideo: node("CreateVideo", "Create Video", map[string]any{
			"fps":    p.FPS,
			"images": L(NodeVAEDecode, 0),
		}),
		NodeSaveVideo: node("SaveVideo", "Save Video", map[string]any{
			"filename_prefix": OutputPrefix,
			"format":          "auto",
			"codec":           "h264",
			"video":           L(NodeCreateVideo, 0),
		}),
		NodeSampler: node("SamplerCustomAdvanced", "SamplerCustomAdvanced", map[string]any{
			"noise":        L(NodeNoise, 0),
			"guider":       L(NodeGuider, 0),
			"sampler":      L("128", 0),
			"sigmas":       L(NodeScheduler, 0),
			"latent_image": L(NodeImageToVideo, 2),
		}),
		NodeScheduler: node("BasicScheduler", "BasicScheduler", map[string]any{
			"scheduler": "simple",
			"steps":     p.Steps,
			"denoise":   1,
			"model":     L("12", 0),
		}),
		NodeNoise: node("RandomNoise", "RandomNoise", map[string]any{
			"noise_seed": seed,
		}),
		"128": node("KSamplerSelect", "KSamplerSelect", map[string]any{
			"sampler_name": "euler",
		}),
		NodeGuider: node("CFGGuider", "CFGGuider", map[string]any{
			"cfg":      p.CFG,
			"model":    L(NodeModelSampling, 0),
			"positive": L(NodeImageToVideo, 0),
			"negative": L(NodeImageToVideo, 1),
		}),
		NodeModelSampling: node("ModelSamplingSD3", "ModelSamplingSD3", map[string]any{
			"shift": p.Shift,
			"model": L("12", 0),
		}),
	}

	return g, seed
}

func node(classType, title string, inputs map[string]any) Node {
	return Node{ClassType: classType, Inputs: inputs, Meta: &Meta{Title: title}}
}

// isEmptyOverride treats absent, null, "" and {} as "no override".
func isEmptyOverride(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		// Not ours to judge; the backend rejects malformed graphs.
		return false
	}
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	}
	return false
}
