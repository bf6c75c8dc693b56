package executor

import (
	"fmt"

	"github.com/mtzanidakis/mediaswarm/internal/gateway"
	"github.com/mtzanidakis/mediaswarm/internal/jobs"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

type link [2]any

// BuildWorkflow turns a job into an engine node graph. It also returns the
// metadata to report on completion, including the resolved seed for images.
func BuildWorkflow(job *store.Job, seed func() int64) (gateway.Workflow, map[string]any, error) {
	switch jobs.Kind(job.Kind) {
	case jobs.KindImage:
		return imageWorkflow(job, seed)
	case jobs.KindVideo:
		return singleNode(job, "VideoGenerate"), baseMetadata(job), nil
	case jobs.KindVoice:
		return singleNode(job, "TextToSpeech"), baseMetadata(job), nil
	case jobs.KindText:
		return singleNode(job, "TextGenerate"), baseMetadata(job), nil
	}
	return nil, nil, fmt.Errorf("no workflow for kind %q", job.Kind)
}

func imageWorkflow(job *store.Job, seed func() int64) (gateway.Workflow, map[string]any, error) {
	p := job.Parameters
	s := int64(number(p["seed"], -1))
	if s < 0 {
		s = seed()
	}

	wf := gateway.Workflow{
		"3": {ClassType: "KSampler", Inputs: map[string]any{
			"seed":         s,
			"steps":        number(p["steps"], 30),
			"cfg":          p["cfg"],
			"sampler_name": p["sampler"],
			"scheduler":    p["scheduler"],
			"denoise":      1,
			"model":        link{"4", 0},
			"positive":     link{"6", 0},
			"negative":     link{"7", 0},
			"latent_image": link{"5", 0},
		}},
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
			"ckpt_name": job.Model,
		}},
		"5": {ClassType: "EmptyLatentImage", Inputs: map[string]any{
			"width":      number(p["width"], 1024),
			"height":     number(p["height"], 1024),
			"batch_size": number(p["batch_size"], 1),
		}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": job.Prompt,
			"clip": link{"4", 1},
		}},
		"7": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": job.NegativePrompt,
			"clip": link{"4", 1},
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": link{"3", 0},
			"vae":     link{"4", 2},
		}},
		"9": {ClassType: "SaveImage", Inputs: map[string]any{
			"filename_prefix": "mediaswarm",
			"images":          link{"8", 0},
		}},
	}

	meta := baseMetadata(job)
	meta["seed"] = s
	return wf, meta, nil
}

func singleNode(job *store.Job, class string) gateway.Workflow {
	inputs := map[string]any{
		"prompt": job.Prompt,
		"model":  job.Model,
	}
	for k, v := range job.Parameters {
		inputs[k] = v
	}
	return gateway.Workflow{"1": {ClassType: class, Inputs: inputs}}
}

func baseMetadata(job *store.Job) map[string]any {
	meta := map[string]any{"model": job.Model}
	for k, v := range job.Parameters {
		meta[k] = v
	}
	return meta
}

// number reads an integer parameter that may have come back from JSON as
// a float64.
func number(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}
