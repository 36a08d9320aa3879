package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediaops/transformd/internal/executor"
	"github.com/mediaops/transformd/internal/jobs"
)

// Context carries everything a builder needs to turn a job into a concrete
// tool invocation. InputPaths holds the staged inputs in declaration order.
type Context struct {
	Job        *jobs.Job
	InputPaths []string
	WorkDir    string
	OutDir     string
	FFmpegPath string
}

// Builder constructs the external command for one transform kind.
type Builder func(rc Context) (executor.Spec, error)

// builders is the closed dispatch table over transform kinds. New kinds are
// explicit additions here, not runtime-discovered plugins.
var builders = map[jobs.Kind]Builder{
	jobs.KindCaption:        buildCaption,
	jobs.KindOverlay:        buildOverlay,
	jobs.KindConcatenate:    buildConcatenate,
	jobs.KindExtractAudio:   buildExtractAudio,
	jobs.KindConvert:        buildConvert,
	jobs.KindTranscribePrep: buildTranscribePrep,
	jobs.KindAnimatedText:   buildAnimatedText,
}

// Lookup resolves a transform kind to its builder.
func Lookup(kind jobs.Kind) (Builder, bool) {
	b, ok := builders[kind]
	return b, ok
}

// InputCount returns the minimum and maximum inputs a kind accepts. A max
// of -1 means unbounded.
func InputCount(kind jobs.Kind) (min, max int) {
	switch kind {
	case jobs.KindCaption, jobs.KindOverlay:
		return 2, 2
	case jobs.KindConcatenate:
		return 2, -1
	default:
		return 1, 1
	}
}

var subtitleExts = map[string]bool{
	".srt": true,
	".vtt": true,
	".ass": true,
	".ssa": true,
}

// buildCaption renders a subtitle file onto a video. Inputs: video,
// subtitles.
func buildCaption(rc Context) (executor.Spec, error) {
	video, subs := rc.InputPaths[0], rc.InputPaths[1]

	ext := strings.ToLower(filepath.Ext(subs))
	if !subtitleExts[ext] {
		return executor.Spec{}, jobs.NewError(jobs.ErrTool,
			"unsupported subtitle format %q (supported: .srt, .vtt, .ass, .ssa)", ext)
	}

	var filter string
	if ext == ".ass" || ext == ".ssa" {
		filter = fmt.Sprintf("ass=%s", subs)
	} else {
		font := stringParam(rc.Job.Params, "font", "Arial")
		size := intParam(rc.Job.Params, "size", 24)
		color := stringParam(rc.Job.Params, "color", "white")
		position := stringParam(rc.Job.Params, "position", "bottom")

		opts := []string{
			fmt.Sprintf("fontname=%s", font),
			fmt.Sprintf("fontsize=%d", size),
			fmt.Sprintf("fontcolor=%s", color),
		}
		if boolParam(rc.Job.Params, "background", true) {
			opts = append(opts, "force_style='BackColour=&H80000000,Outline=0'")
		}
		if position == "top" {
			opts = append(opts, "marginv=20")
		} else {
			opts = append(opts, "marginv=30")
		}

		filter = fmt.Sprintf("subtitles=%s:%s", subs, strings.Join(opts, ":"))
	}

	output := filepath.Join(rc.OutDir, "output.mp4")
	return executor.Spec{
		Program: rc.FFmpegPath,
		Args: []string{
			"-y",
			"-i", video,
			"-vf", filter,
			"-c:a", "copy",
			output,
		},
		InputPaths: rc.InputPaths,
		OutputPath: output,
	}, nil
}

// overlayCoords maps a named position to overlay filter coordinates.
var overlayCoords = map[string]string{
	"top":          "(main_w-overlay_w)/2:10",
	"bottom":       "(main_w-overlay_w)/2:main_h-overlay_h-10",
	"left":         "10:(main_h-overlay_h)/2",
	"right":        "main_w-overlay_w-10:(main_h-overlay_h)/2",
	"top_left":     "10:10",
	"top_right":    "main_w-overlay_w-10:10",
	"bottom_left":  "10:main_h-overlay_h-10",
	"bottom_right": "main_w-overlay_w-10:main_h-overlay_h-10",
	"center":       "(main_w-overlay_w)/2:(main_h-overlay_h)/2",
}

// buildOverlay composites an image over a video at a named position.
// Inputs: video, overlay image.
func buildOverlay(rc Context) (executor.Spec, error) {
	video, image := rc.InputPaths[0], rc.InputPaths[1]

	position := stringParam(rc.Job.Params, "position", "bottom_right")
	coords, ok := overlayCoords[position]
	if !ok {
		return executor.Spec{}, jobs.NewError(jobs.ErrTool, "unknown overlay position %q", position)
	}

	scale := floatParam(rc.Job.Params, "scale", 0.3)
	if scale < 0.1 || scale > 1.0 {
		return executor.Spec{}, jobs.NewError(jobs.ErrTool, "overlay scale %v out of range [0.1, 1.0]", scale)
	}

	filter := fmt.Sprintf("[1:v]scale=iw*%g:-1[ovr];[0:v][ovr]overlay=%s", scale, coords)

	output := filepath.Join(rc.OutDir, "output.mp4")
	return executor.Spec{
		Program: rc.FFmpegPath,
		Args: []string{
			"-y",
			"-i", video,
			"-i", image,
			"-filter_complex", filter,
			"-c:a", "copy",
			output,
		},
		InputPaths: rc.InputPaths,
		OutputPath: output,
	}, nil
}

// buildConcatenate joins two or more videos with the concat demuxer. The
// list file is an intermediate written to the job's work directory.
func buildConcatenate(rc Context) (executor.Spec, error) {
	listPath := filepath.Join(rc.WorkDir, "concat.txt")

	var b strings.Builder
	for _, p := range rc.InputPaths {
		fmt.Fprintf(&b, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return executor.Spec{}, jobs.NewTransientError(jobs.ErrTool,
			"failed to write concat list: %s", err)
	}

	output := filepath.Join(rc.OutDir, "output.mp4")
	return executor.Spec{
		Program: rc.FFmpegPath,
		Args: []string{
			"-y",
			"-f", "concat",
			"-safe", "0",
			"-i", listPath,
			"-c", "copy",
			output,
		},
		InputPaths: append(append([]string{}, rc.InputPaths...), listPath),
		OutputPath: output,
	}, nil
}

// audioCodecs maps an output audio format to its encoder arguments.
var audioCodecs = map[string][]string{
	"mp3":  {"-codec:a", "libmp3lame", "-q:a", "2"},
	"wav":  {"-codec:a", "pcm_s16le"},
	"aac":  {"-codec:a", "aac"},
	"flac": {"-codec:a", "flac"},
}

// buildExtractAudio strips the video stream and encodes the audio. Input:
// one media file.
func buildExtractAudio(rc Context) (executor.Spec, error) {
	format := stringParam(rc.Job.Params, "format", "mp3")
	codec, ok := audioCodecs[format]
	if !ok {
		return executor.Spec{}, jobs.NewError(jobs.ErrTool, "unsupported audio format %q", format)
	}

	bitrate := stringParam(rc.Job.Params, "bitrate", "192k")

	args := []string{
		"-y",
		"-i", rc.InputPaths[0],
		"-vn",
		"-b:a", bitrate,
	}
	args = append(args, codec...)

	output := filepath.Join(rc.OutDir, "output."+format)
	args = append(args, output)

	return executor.Spec{
		Program:    rc.FFmpegPath,
		Args:       args,
		InputPaths: rc.InputPaths,
		OutputPath: output,
	}, nil
}

var containerExts = map[string]bool{
	"mp4":  true,
	"webm": true,
	"mkv":  true,
	"mov":  true,
	"avi":  true,
	"gif":  true,
}

// buildConvert remuxes or re-encodes a media file into another container.
// Input: one media file.
func buildConvert(rc Context) (executor.Spec, error) {
	format := stringParam(rc.Job.Params, "format", "mp4")
	if !containerExts[format] {
		return executor.Spec{}, jobs.NewError(jobs.ErrTool, "unsupported output format %q", format)
	}

	args := []string{"-y", "-i", rc.InputPaths[0]}

	if vc := stringParam(rc.Job.Params, "video_codec", ""); vc != "" {
		args = append(args, "-c:v", vc)
	}
	if ac := stringParam(rc.Job.Params, "audio_codec", ""); ac != "" {
		args = append(args, "-c:a", ac)
	}

	output := filepath.Join(rc.OutDir, "output."+format)
	args = append(args, output)

	return executor.Spec{
		Program:    rc.FFmpegPath,
		Args:       args,
		InputPaths: rc.InputPaths,
		OutputPath: output,
	}, nil
}

// buildTranscribePrep produces the 16 kHz mono PCM wav that speech models
// expect. Input: one media file.
func buildTranscribePrep(rc Context) (executor.Spec, error) {
	output := filepath.Join(rc.OutDir, "output.wav")
	return executor.Spec{
		Program: rc.FFmpegPath,
		Args: []string{
			"-y",
			"-i", rc.InputPaths[0],
			"-vn",
			"-ar", "16000",
			"-ac", "1",
			"-c:a", "pcm_s16le",
			output,
		},
		InputPaths: rc.InputPaths,
		OutputPath: output,
	}, nil
}

// buildAnimatedText draws animated text over a video with drawtext. Input:
// one video.
func buildAnimatedText(rc Context) (executor.Spec, error) {
	text := stringParam(rc.Job.Params, "text", "")
	if text == "" {
		return executor.Spec{}, jobs.NewError(jobs.ErrTool, "animated-text requires a text param")
	}

	size := intParam(rc.Job.Params, "size", 36)
	color := stringParam(rc.Job.Params, "color", "white")
	duration := floatParam(rc.Job.Params, "duration", 3.0)
	animation := stringParam(rc.Job.Params, "animation", "fade")
	position := stringParam(rc.Job.Params, "position", "bottom")

	var y string
	switch position {
	case "top":
		y = "h/10"
	case "center":
		y = "(h-text_h)/2"
	default:
		y = "h-h/10-text_h"
	}

	escaped := strings.ReplaceAll(text, "'", `\'`)

	var filter string
	switch animation {
	case "fade":
		filter = fmt.Sprintf(
			"drawtext=text='%s':fontsize=%d:fontcolor=%s:x=(w-text_w)/2:y=%s:alpha='min(t/%g\\,1)'",
			escaped, size, color, y, duration)
	case "slide":
		filter = fmt.Sprintf(
			"drawtext=text='%s':fontsize=%d:fontcolor=%s:x='min(t/%g\\,1)*(w-text_w)/2':y=%s",
			escaped, size, color, duration, y)
	default:
		return executor.Spec{}, jobs.NewError(jobs.ErrTool, "unknown text animation %q", animation)
	}

	output := filepath.Join(rc.OutDir, "output.mp4")
	return executor.Spec{
		Program: rc.FFmpegPath,
		Args: []string{
			"-y",
			"-i", rc.InputPaths[0],
			"-vf", filter,
			"-c:a", "copy",
			output,
		},
		InputPaths: rc.InputPaths,
		OutputPath: output,
	}, nil
}
