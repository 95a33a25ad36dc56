// Package ffmpeg holds the pieces shared by every ffmpeg child process the
// recorder drives: encoder selection, stderr capture, the frame queue and the
// PCM relay.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go2tv.app/screenrec/internal/processutil"
	"go2tv.app/screenrec/media"
)

const encoderProbeTimeout = 5 * time.Second

// VideoEncoderPlan is a complete set of output arguments for one encoder.
type VideoEncoderPlan struct {
	Label       string
	Codec       string
	Hardware    bool
	GlobalArgs  []string
	VideoFilter string
	CodecArgs   []string
}

// EncoderRequest describes what the output needs.
type EncoderRequest struct {
	Codec     media.VideoCodec
	FrameRate int
	Alpha     bool
	HDR       bool
	// BaseFilter is prepended to every plan's filter chain.
	BaseFilter string
	// DisableHardware skips probing.
	DisableHardware bool
}

func (r EncoderRequest) gop() string {
	fps := r.FrameRate
	if fps <= 0 {
		fps = media.DefaultFrameRate
	}
	return strconv.Itoa(fps * 2)
}

func (r EncoderRequest) filter(extra string) string {
	parts := make([]string, 0, 2)
	if strings.TrimSpace(r.BaseFilter) != "" {
		parts = append(parts, r.BaseFilter)
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, ",")
}

// SelectVideoEncoder returns the first hardware plan that passes a probe
// encode, or the software plan.
func SelectVideoEncoder(ctx context.Context, ffmpegPath string, req EncoderRequest, logger *slog.Logger) VideoEncoderPlan {
	software := SoftwareEncoderPlan(req)
	if req.DisableHardware {
		reportEncoderSelection(logger, software, "hardware_disabled")
		return software
	}

	nodes, _ := filepath.Glob("/dev/dri/renderD*")
	candidates := HardwareEncoderCandidates(req, runtime.GOOS, nodes)
	if len(candidates) == 0 {
		reportEncoderSelection(logger, software, "no_hardware_candidates")
		return software
	}

	if _, err := exec.LookPath(ffmpegPath); err != nil {
		logger.Debug("ffmpeg: encoder probe lookup failed", "path", ffmpegPath, "error", err)
		reportEncoderSelection(logger, software, "ffmpeg_not_found")
		return software
	}

	available, encErr := ffmpegEncoderSet(ctx, ffmpegPath)
	if encErr != nil {
		logger.Debug("ffmpeg: listing encoders failed", "error", encErr)
	}

	for _, candidate := range candidates {
		if len(available) > 0 {
			if _, ok := available[candidate.Codec]; !ok {
				logger.Debug("ffmpeg: encoder probe skipped", "encoder", candidate.Label, "reason", "not_in_ffmpeg_encoder_list")
				continue
			}
		}
		if err := probeVideoEncoder(ctx, ffmpegPath, candidate); err == nil {
			reportEncoderSelection(logger, candidate, "")
			return candidate
		} else {
			logger.Debug("ffmpeg: encoder probe failed", "encoder", candidate.Label, "error", err)
		}
	}

	reportEncoderSelection(logger, software, "all_hardware_probes_failed")
	return software
}

func ffmpegEncoderSet(ctx context.Context, ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, encoderProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	processutil.Detach(cmd)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}
	return parseEncoderList(string(out)), nil
}

// parseEncoderList reads `ffmpeg -encoders` output, where each line looks
// like " V..... h264_nvenc  NVIDIA NVENC H.264 encoder".
func parseEncoderList(out string) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || len(fields[0]) != 6 || fields[1] == "=" {
			continue
		}
		if strings.HasPrefix(fields[0], "V") {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

func reportEncoderSelection(logger *slog.Logger, plan VideoEncoderPlan, reason string) {
	mode := "software"
	if plan.Hardware {
		mode = "hardware"
	}
	args := []any{"encoder", plan.Label, "mode", mode}
	if reason != "" {
		args = append(args, "reason", reason)
	}
	logger.Info("ffmpeg: video encoder selected", args...)
}

func probeVideoEncoder(ctx context.Context, ffmpegPath string, plan VideoEncoderPlan) error {
	ctx, cancel := context.WithTimeout(ctx, encoderProbeTimeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-nostdin",
	}
	args = append(args, plan.GlobalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", "color=c=black:s=1280x720:r=30:d=0.5",
		"-an",
		"-frames:v", "8",
		"-r", "30",
	)
	if strings.TrimSpace(plan.VideoFilter) != "" {
		args = append(args, "-vf", plan.VideoFilter)
	}
	args = append(args, plan.CodecArgs...)
	args = append(args, "-f", "null", "-")

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	processutil.Detach(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("probe timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return fmt.Errorf("probe failed: %w: %s", err, tailString(strings.TrimSpace(stderr.String()), 240))
	}
	return nil
}

// HardwareEncoderCandidates lists hardware plans to probe, best first.
// ProRes, alpha and HDR output always use software encoders.
func HardwareEncoderCandidates(req EncoderRequest, goos string, renderNodes []string) []VideoEncoderPlan {
	if req.Alpha || req.HDR || req.Codec.IsProRes() {
		return nil
	}

	family := "h264"
	if req.Codec == media.VideoCodecHEVC {
		family = "hevc"
	}

	switch goos {
	case "darwin":
		return []VideoEncoderPlan{
			hardwareEncoderPlan(req, family+"_videotoolbox", family+"_videotoolbox", nil, "format=yuv420p"),
		}
	case "windows":
		return []VideoEncoderPlan{
			hardwareEncoderPlan(req, family+"_nvenc", family+"_nvenc", nil, "format=yuv420p"),
			hardwareEncoderPlan(req, family+"_amf", family+"_amf", nil, "format=yuv420p"),
			hardwareEncoderPlan(req, family+"_qsv", family+"_qsv", nil, "format=nv12"),
		}
	default:
		candidates := []VideoEncoderPlan{
			hardwareEncoderPlan(req, family+"_nvenc", family+"_nvenc", nil, "format=yuv420p"),
		}
		for _, dev := range renderNodes {
			label := fmt.Sprintf("%s_vaapi (%s)", family, dev)
			candidates = append(candidates, hardwareEncoderPlan(req, family+"_vaapi", label, []string{"-vaapi_device", dev}, "format=nv12,hwupload"))
		}
		candidates = append(candidates, hardwareEncoderPlan(req, family+"_qsv", family+"_qsv", nil, "format=nv12"))
		return candidates
	}
}

func hardwareEncoderPlan(req EncoderRequest, codec, label string, globalArgs []string, filter string) VideoEncoderPlan {
	args := []string{
		"-c:v", codec,
		"-b:v", "12000k",
		"-maxrate", "16000k",
		"-bufsize", "24000k",
		"-g", req.gop(),
	}
	if strings.HasPrefix(codec, "hevc") {
		args = append(args, "-tag:v", "hvc1")
	}
	return VideoEncoderPlan{
		Label:       label,
		Codec:       codec,
		Hardware:    true,
		GlobalArgs:  append([]string(nil), globalArgs...),
		VideoFilter: req.filter(filter),
		CodecArgs:   args,
	}
}

// SoftwareEncoderPlan is the always-available fallback for req.
func SoftwareEncoderPlan(req EncoderRequest) VideoEncoderPlan {
	var plan VideoEncoderPlan
	switch req.Codec {
	case media.VideoCodecProRes422, media.VideoCodecProRes4444:
		profile, pixFmt := "2", "yuv422p10le"
		if req.Codec == media.VideoCodecProRes4444 {
			profile, pixFmt = "4", "yuv444p10le"
			if req.Alpha {
				pixFmt = "yuva444p10le"
			}
		}
		plan = VideoEncoderPlan{
			Label: "prores_ks",
			Codec: "prores_ks",
			CodecArgs: []string{
				"-c:v", "prores_ks",
				"-profile:v", profile,
				"-vendor", "apl0",
				"-pix_fmt", pixFmt,
			},
		}
		if req.Alpha {
			plan.CodecArgs = append(plan.CodecArgs, "-alpha_bits", "16")
		}
	case media.VideoCodecHEVC:
		pixFmt := "yuv420p"
		if req.HDR {
			pixFmt = "yuv420p10le"
		}
		plan = VideoEncoderPlan{
			Label: "libx265",
			Codec: "libx265",
			CodecArgs: []string{
				"-c:v", "libx265",
				"-preset", "fast",
				"-crf", "22",
				"-pix_fmt", pixFmt,
				"-g", req.gop(),
				"-tag:v", "hvc1",
			},
		}
		if req.HDR {
			plan.CodecArgs = append(plan.CodecArgs, "-x265-params", "hdr-opt=1:repeat-headers=1:colorprim=bt2020:transfer=smpte2084:colormatrix=bt2020nc")
		}
	default:
		pixFmt, profile := "yuv420p", "high"
		if req.HDR {
			pixFmt, profile = "yuv420p10le", "high10"
		}
		plan = VideoEncoderPlan{
			Label: "libx264",
			Codec: "libx264",
			CodecArgs: []string{
				"-c:v", "libx264",
				"-preset", "veryfast",
				"-crf", "18",
				"-profile:v", profile,
				"-pix_fmt", pixFmt,
				"-g", req.gop(),
			},
		}
	}
	plan.VideoFilter = req.filter("")
	if req.HDR {
		plan.CodecArgs = append(plan.CodecArgs, HDRColorArgs()...)
	}
	return plan
}

// HDRColorArgs tags the stream as BT.2020 PQ.
func HDRColorArgs() []string {
	return []string{
		"-color_primaries", "bt2020",
		"-color_trc", "smpte2084",
		"-colorspace", "bt2020nc",
	}
}

func tailString(input string, max int) string {
	if input == "" {
		return "no ffmpeg stderr output"
	}
	if max <= 0 || len(input) <= max {
		return input
	}
	return input[len(input)-max:]
}
