// Package compositor renders a render plan into a single video file by
// building and running one ffmpeg filter_complex invocation.
package compositor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/heimdex/exportd/internal/renderplan"
)

const (
	DefaultFormat    = "mp4"
	DefaultQuality   = "720p"
	DefaultFrameRate = 30

	audioSampleRate = 48000
	audioBitrate    = "128k"
)

type tier struct {
	width, height int
}

var tiers = map[string]tier{
	"4k":    {3840, 2160},
	"1080p": {1920, 1080},
	"720p":  {1280, 720},
}

var containers = map[string]struct {
	muxer       string
	contentType string
	faststart   bool
}{
	"mp4": {"mp4", "video/mp4", true},
	"mov": {"mov", "video/quicktime", true},
	"mkv": {"matroska", "video/x-matroska", false},
}

// Input is one participant's local media file.
type Input struct {
	ParticipantID string
	Path          string
}

// Settings selects the container, quality tier and frame rate.
type Settings struct {
	Format    string `json:"format"`
	Quality   string `json:"quality"`
	FrameRate int    `json:"frame_rate"`
}

// Normalize fills unset fields with defaults.
func (s Settings) Normalize() Settings {
	s.Format = strings.ToLower(strings.TrimSpace(s.Format))
	s.Quality = strings.ToLower(strings.TrimSpace(s.Quality))
	if s.Format == "" {
		s.Format = DefaultFormat
	}
	if s.Quality == "" {
		s.Quality = DefaultQuality
	}
	if s.FrameRate == 0 {
		s.FrameRate = DefaultFrameRate
	}
	return s
}

// Validate rejects containers and tiers the compositor cannot produce.
func (s Settings) Validate() error {
	if _, ok := containers[s.Format]; !ok {
		return fmt.Errorf("unsupported format %q", s.Format)
	}
	if _, ok := tiers[s.Quality]; !ok {
		return fmt.Errorf("unsupported quality %q", s.Quality)
	}
	if s.FrameRate < 1 || s.FrameRate > 120 {
		return fmt.Errorf("frame rate must be between 1 and 120")
	}
	return nil
}

// VideoBitrate returns the target bitrate for a quality tier.
func VideoBitrate(quality string) string {
	switch quality {
	case "4k":
		return "8000k"
	case "1080p":
		return "2000k"
	default:
		return "1000k"
	}
}

// ContentType returns the MIME type for a container format.
func ContentType(format string) string {
	if c, ok := containers[format]; ok {
		return c.contentType
	}
	return "application/octet-stream"
}

// Request describes one render.
type Request struct {
	JobID        string
	Inputs       []Input
	Sections     []renderplan.VideoSection
	SubtitlePath string
	Settings     Settings
	OutputPath   string

	// OnProgress receives the completed fraction of the output, 0 to 1.
	OnProgress func(fraction float64)
}

var ErrNothingToRender = errors.New("render plan has no kept sections")

// BuildArgs returns the ffmpeg argument list for req.
func BuildArgs(req Request) ([]string, error) {
	if len(req.Inputs) == 0 {
		return nil, errors.New("no input media")
	}
	if req.OutputPath == "" {
		return nil, errors.New("output path is required")
	}
	kept := renderplan.Kept(req.Sections)
	if len(kept) == 0 {
		return nil, ErrNothingToRender
	}

	settings := req.Settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	t := tiers[settings.Quality]

	args := []string{"-hide_banner", "-nostdin", "-y"}
	for _, in := range req.Inputs {
		args = append(args, "-i", in.Path)
	}

	graph := buildGraph(req.Inputs, kept, req.SubtitlePath, t, settings.FrameRate)

	args = append(args,
		"-filter_complex", graph,
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-preset", "medium",
		"-pix_fmt", "yuv420p",
		"-b:v", VideoBitrate(settings.Quality),
		"-r", strconv.Itoa(settings.FrameRate),
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ar", strconv.Itoa(audioSampleRate),
	)

	c := containers[settings.Format]
	if c.faststart {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, "-f", c.muxer, "-progress", "pipe:1", "-nostats", req.OutputPath)
	return args, nil
}

// layoutFor picks the input indices shown in a section.
func layoutFor(inputs []Input, s renderplan.VideoSection) []int {
	if s.FocusedParticipantID != "" && len(inputs) > 1 {
		for i, in := range inputs {
			if in.ParticipantID == s.FocusedParticipantID {
				return []int{i}
			}
		}
	}
	all := make([]int, len(inputs))
	for i := range inputs {
		all[i] = i
	}
	return all
}

func buildGraph(inputs []Input, kept []renderplan.VideoSection, subtitlePath string, t tier, fps int) string {
	layouts := make([][]int, len(kept))
	uses := make([]int, len(inputs))
	for i, s := range kept {
		layouts[i] = layoutFor(inputs, s)
		for _, k := range layouts[i] {
			uses[k]++
		}
	}

	var chains []string

	// Each input pad can be consumed only once, so fan out shared inputs.
	next := make([]int, len(inputs))
	videoPad := func(k int) string {
		if uses[k] == 1 {
			return fmt.Sprintf("[%d:v]", k)
		}
		return fmt.Sprintf("[in%dv%d]", k, next[k])
	}
	audioPad := func(k int) string {
		if uses[k] == 1 {
			return fmt.Sprintf("[%d:a]", k)
		}
		return fmt.Sprintf("[in%da%d]", k, next[k])
	}
	for k, n := range uses {
		if n <= 1 {
			continue
		}
		var v, a strings.Builder
		for j := 0; j < n; j++ {
			fmt.Fprintf(&v, "[in%dv%d]", k, j)
			fmt.Fprintf(&a, "[in%da%d]", k, j)
		}
		chains = append(chains,
			fmt.Sprintf("[%d:v]split=%d%s", k, n, v.String()),
			fmt.Sprintf("[%d:a]asplit=%d%s", k, n, a.String()),
		)
	}

	var concatIn strings.Builder
	for i, s := range kept {
		layout := layouts[i]
		cw, ch, cols := cellSize(len(layout), t)
		speed := s.Speed()
		trim := fmt.Sprintf("start=%s:end=%s", seconds(s.StartTime), seconds(s.EndTime))

		var vcells, acells strings.Builder
		for j, k := range layout {
			vp, ap := videoPad(k), audioPad(k)
			next[k]++
			chains = append(chains,
				fmt.Sprintf("%strim=%s,setpts=(PTS-STARTPTS)/%s,scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1[s%dv%d]",
					vp, trim, factor(speed), cw, ch, cw, ch, i, j),
				fmt.Sprintf("%satrim=%s,asetpts=PTS-STARTPTS%s,aformat=sample_rates=%d:channel_layouts=stereo[s%da%d]",
					ap, trim, atempoChain(speed), audioSampleRate, i, j),
			)
			fmt.Fprintf(&vcells, "[s%dv%d]", i, j)
			fmt.Fprintf(&acells, "[s%da%d]", i, j)
		}

		switch n := len(layout); {
		case n == 1:
			chains = append(chains,
				fmt.Sprintf("%sfps=%d[v%d]", vcells.String(), fps, i),
				fmt.Sprintf("%sanull[a%d]", acells.String(), i),
			)
		case n == 2:
			chains = append(chains,
				fmt.Sprintf("%shstack=inputs=2,scale=%d:%d,setsar=1,fps=%d[v%d]", vcells.String(), t.width, t.height, fps, i),
				fmt.Sprintf("%samix=inputs=2:duration=longest[a%d]", acells.String(), i),
			)
		default:
			chains = append(chains,
				fmt.Sprintf("%sxstack=inputs=%d:layout=%s:fill=black,scale=%d:%d,setsar=1,fps=%d[v%d]",
					vcells.String(), n, gridLayout(n, cols, cw, ch), t.width, t.height, fps, i),
				fmt.Sprintf("%samix=inputs=%d:duration=longest[a%d]", acells.String(), n, i),
			)
		}
		fmt.Fprintf(&concatIn, "[v%d][a%d]", i, i)
	}

	chains = append(chains, fmt.Sprintf("%sconcat=n=%d:v=1:a=1[vcat][aout]", concatIn.String(), len(kept)))
	if subtitlePath != "" {
		chains = append(chains, fmt.Sprintf("[vcat]subtitles=filename=%s,format=yuv420p[vout]", escapeFilterValue(subtitlePath)))
	} else {
		chains = append(chains, "[vcat]format=yuv420p[vout]")
	}

	return strings.Join(chains, ";")
}

// cellSize returns the per-track frame size for n tracks and the grid
// column count. Sizes are even so libx264 accepts them.
func cellSize(n int, t tier) (w, h, cols int) {
	switch {
	case n <= 1:
		return t.width, t.height, 1
	case n == 2:
		return even(t.width / 2), t.height, 2
	}
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	return even(t.width / cols), even(t.height / rows), cols
}

func gridLayout(n, cols, cw, ch int) string {
	cells := make([]string, n)
	for j := 0; j < n; j++ {
		cells[j] = fmt.Sprintf("%d_%d", (j%cols)*cw, (j/cols)*ch)
	}
	return strings.Join(cells, "|")
}

// atempoChain splits speed into atempo factors within [0.5, 2.0].
func atempoChain(speed float64) string {
	if math.Abs(speed-1.0) < 1e-9 {
		return ""
	}
	var factors []string
	for speed > 2.0 {
		factors = append(factors, "atempo=2.0")
		speed /= 2.0
	}
	for speed < 0.5 {
		factors = append(factors, "atempo=0.5")
		speed /= 0.5
	}
	factors = append(factors, "atempo="+factor(speed))
	return "," + strings.Join(factors, ",")
}

// factor formats a speed multiplier without rounding so video and audio
// are retimed by the same amount.
func factor(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func even(v int) int {
	return v - v%2
}

func escapeFilterValue(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
