package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/gatekeeper/internal/camera"
	"github.com/andresmejia3/gatekeeper/internal/pipeline"
	"github.com/andresmejia3/gatekeeper/internal/policy"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

type replayOptions struct {
	Input      string
	Infrared   string
	NativeSize bool
	LiveRelay  bool
	Journal    bool
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run the terminal pipeline over a recorded video",
	Long: `Feeds a recorded video through the full pipeline at its native frame rate,
so frames are dropped exactly as they would be on a live camera. The relay is
simulated unless --live-relay is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runReplay(cmd.Context(), replayOpts)
	},
}

// progressSource advances a progress bar for every frame read.
type progressSource struct {
	pipeline.FrameSource
	bar *progressbar.ProgressBar
}

func (s progressSource) Next(ctx context.Context, dst *types.FrameBuffer) error {
	err := s.FrameSource.Next(ctx, dst)
	if err == nil {
		s.bar.Add(1)
	}
	return err
}

// decisionLog keeps every decision for the summary.
type decisionLog struct {
	mu        sync.Mutex
	decisions []types.Decision
}

func (l *decisionLog) Record(_ context.Context, d types.Decision) error {
	l.mu.Lock()
	l.decisions = append(l.decisions, d)
	l.mu.Unlock()
	return nil
}

func (l *decisionLog) all() []types.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Decision(nil), l.decisions...)
}

func runReplay(ctx context.Context, opts replayOptions) error {
	if _, err := os.Stat(opts.Input); err != nil {
		utils.ShowError("Input video not found", err, nil)
		return err
	}

	camCfg := Cfg.Camera
	camCfg.Visible = camera.Stream{Input: opts.Input}
	camCfg.Infrared = camera.Stream{Input: opts.Infrared}
	camCfg.Realtime = true
	if opts.NativeSize {
		w, h, err := utils.GetVideoSize(ctx, opts.Input)
		if err != nil {
			utils.ShowError("Failed to probe video size", err, nil)
			return err
		}
		camCfg = nativeSize(camCfg, w, h)
	}

	fps, err := utils.GetVideoFPS(ctx, opts.Input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Could not read frame rate: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "📼 Replaying %s (%dx%d @ %.2f fps)\n", opts.Input, camCfg.Width, camCfg.Height, fps)

	pol, err := Cfg.AccessPolicy()
	if err != nil {
		return err
	}

	cfg := *Cfg
	if !opts.Journal {
		cfg.Journal.Path = ""
	}
	t, err := openTerminal(ctx, &cfg, terminalOptions{DryRun: !opts.LiveRelay, NoPublish: true}, Logger)
	if err != nil {
		utils.ShowError("Failed to start terminal", err, nil)
		return err
	}
	defer t.close()

	cam, err := camera.Open(ctx, camCfg, Logger)
	if err != nil {
		utils.ShowError("Failed to open video", err, nil)
		return err
	}
	defer cam.Close()

	total := utils.GetTotalFrames(ctx, opts.Input)
	if total <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Gatekeeper Replay"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	log := &decisionLog{}
	p := t.pipeline(progressSource{FrameSource: cam, bar: bar}, policy.NewStore(pol), logDisplay(Logger), log)
	err = runPipeline(ctx, t, p)
	bar.Finish()
	if err != nil {
		utils.ShowError("Replay failed", err, nil)
		return err
	}

	printReplaySummary(os.Stderr, p.Stats(), log.all())
	return nil
}

// nativeSize keeps the small plane's width and scales its height to the
// video's aspect ratio.
func nativeSize(c camera.Config, w, h int) camera.Config {
	c.Width, c.Height = w, h
	if c.SmallWidth > w {
		c.SmallWidth = w
	}
	c.SmallHeight = max(1, c.SmallWidth*h/w)
	return c
}

func printReplaySummary(out io.Writer, s pipeline.Stats, decisions []types.Decision) {
	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "📊 REPLAY SUMMARY\n")
	fmt.Fprintf(out, "---------------------------------------------------------\n")

	if len(decisions) == 0 {
		fmt.Fprintln(out, "No access decisions were made.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "FRAME\tPERSON\tSTATUS\tSCORE\tMASK\tLIVE\tDOOR")
		fmt.Fprintln(w, "-----\t------\t------\t-----\t----\t----\t----")
		for _, d := range decisions {
			fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%s\t%s\t%s\n",
				d.FrameIndex, personLabel(d.Person), d.Person.Identity.Status, d.Person.Score,
				yesNo(d.Person.HasMask), yesNo(d.Person.IsLive), doorLabel(d.Verdict.Open))
		}
		w.Flush()
	}

	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "🎞️  Frames Read:        %d\n", s.Capture.Processed)
	fmt.Fprintf(out, "⏭️  Frames Dropped:     %d\n", s.Capture.Dropped+s.Detection.Dropped)
	fmt.Fprintf(out, "🧠 Recognition Cycles: %d\n", s.Recognition.Processed)
	fmt.Fprintf(out, "✅ Granted: %d   ⛔ Denied: %d\n", s.Decision.Granted, s.Decision.Denied)
	fmt.Fprintf(out, "---------------------------------------------------------\n")
}

func personLabel(p types.PersonData) string {
	if !p.Identified {
		return "stranger"
	}
	if p.Identity.Name == "" {
		return fmt.Sprintf("#%d", p.Identity.ID)
	}
	return fmt.Sprintf("%s (#%d)", p.Identity.Name, p.Identity.ID)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func doorLabel(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.Input, "input", "i", "", "Path to the visible-light video file")
	replayCmd.Flags().StringVar(&replayOpts.Infrared, "infrared", "", "Optional infrared video recorded alongside --input")
	replayCmd.Flags().BoolVar(&replayOpts.NativeSize, "native-size", false, "Recognize at the video's own resolution instead of camera.width x camera.height")
	replayCmd.Flags().BoolVar(&replayOpts.LiveRelay, "live-relay", false, "Drive the configured relay instead of a simulated one")
	replayCmd.Flags().BoolVar(&replayOpts.Journal, "journal", false, "Append replay decisions to the event journal")
	replayCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(replayCmd)
}
