package postproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kestrel-dl/kestrel/internal/config"
)

// Processor is the external enhancement collaborator invoked after a
// download completes. An empty returned path means no transformation was
// applied and the original file stays authoritative. The orchestrator
// never depends on a processor succeeding.
type Processor interface {
	Process(ctx context.Context, filePath string, opts config.DownloadOptions) (string, error)
}

// Noop applies no transformation.
type Noop struct{}

func (Noop) Process(context.Context, string, config.DownloadOptions) (string, error) {
	return "", nil
}

// FFmpeg shells out to an ffmpeg binary for audio extraction and loudness
// normalization. It only acts when the options ask for enhancement.
type FFmpeg struct {
	BinaryPath string
}

func NewFFmpeg(binaryPath string) *FFmpeg {
	return &FFmpeg{BinaryPath: binaryPath}
}

func (p *FFmpeg) Process(ctx context.Context, filePath string, opts config.DownloadOptions) (string, error) {
	args, outPath := p.buildArgs(filePath, opts)
	if args == nil {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, p.BinaryPath, args...)
	log.Debug().Str("op", "postproc/ffmpeg").Msgf("Executing ffmpeg command: %s", cmd.String())

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("error creating stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("error starting ffmpeg: %v", err)
	}
	go streamLines(stderr)
	if err := cmd.Wait(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("ffmpeg failed: %v", err)
	}
	log.Info().Str("op", "postproc/ffmpeg").Msgf("Post-processing complete: %s", outPath)
	return outPath, nil
}

// buildArgs returns nil args when the options request no enhancement.
func (p *FFmpeg) buildArgs(filePath string, opts config.DownloadOptions) ([]string, string) {
	normalize, _ := opts.Extra["normalizeAudio"].(bool)
	switch {
	case opts.AudioOnly:
		outPath := replaceExt(filePath, ".m4a")
		args := []string{"-y", "-i", filePath, "-vn", "-acodec", "aac"}
		if normalize {
			args = append(args, "-af", "loudnorm")
		}
		return append(args, outPath), outPath
	case normalize:
		outPath := suffixPath(filePath, "-normalized")
		return []string{"-y", "-i", filePath, "-c:v", "copy", "-af", "loudnorm", outPath}, outPath
	case opts.Format != "" && !strings.EqualFold(strings.TrimPrefix(filepath.Ext(filePath), "."), opts.Format):
		outPath := replaceExt(filePath, "."+opts.Format)
		// container remux only, no re-encode
		return []string{"-y", "-i", filePath, "-c", "copy", outPath}, outPath
	default:
		return nil, ""
	}
}

func replaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func suffixPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

func streamLines(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			log.Debug().Str("op", "postproc/ffmpeg").Msg(line)
		}
	}
}
