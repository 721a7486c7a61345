package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/gatekeeper/internal/faceindex"
	"github.com/andresmejia3/gatekeeper/internal/pipeline"
	"github.com/andresmejia3/gatekeeper/internal/store"
	"github.com/andresmejia3/gatekeeper/internal/types"
	"github.com/andresmejia3/gatekeeper/internal/utils"
)

type enrollOptions struct {
	Name    string
	Status  string
	ID      int
	Image   string
	Feature string
	Gallery string
}

var enrollOpts enrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Add a person (or another sample of one) to the face database",
	Long: `Enrolls a person from a photo (--image), from a precomputed feature file
(--feature), or bulk-loads a whole gallery file (--gallery).

With --id the new embedding is averaged into an existing person instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := enrollOpts.validate(); err != nil {
			cmd.SilenceUsage = false
			return err
		}
		ctx := cmd.Context()

		db, err := connectStore(ctx)
		if err != nil {
			utils.ShowError("Failed to open face database", err, nil)
			return err
		}
		defer db.Close(context.Background())

		if enrollOpts.Gallery != "" {
			return enrollGallery(ctx, db, enrollOpts.Gallery)
		}

		var feature types.Feature
		if enrollOpts.Image != "" {
			feature, err = featureFromImage(ctx, enrollOpts.Image)
		} else {
			feature, err = readFeatureFile(enrollOpts.Feature)
		}
		if err != nil {
			utils.ShowError("Failed to compute face embedding", err, nil)
			return err
		}

		if enrollOpts.ID > 0 {
			if err := db.AddSample(ctx, enrollOpts.ID, feature); err != nil {
				utils.ShowError("Failed to add sample", err, nil)
				return err
			}
			fmt.Printf("✅ Added a sample to person %d\n", enrollOpts.ID)
			return nil
		}

		id, err := db.Enroll(ctx, enrollOpts.Name, feature, types.ParseStatus(enrollOpts.Status))
		if err != nil {
			utils.ShowError("Failed to enroll person", err, nil)
			return err
		}
		fmt.Printf("✅ Enrolled '%s' as person %d (%s)\n", enrollOpts.Name, id, enrollOpts.Status)
		return nil
	},
}

func (o enrollOptions) validate() error {
	sources := 0
	for _, s := range []string{o.Image, o.Feature, o.Gallery} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return errors.New("exactly one of --image, --feature or --gallery is required")
	}
	if o.Gallery != "" {
		return nil
	}
	if o.ID <= 0 && o.Name == "" {
		return errors.New("--name is required unless --id names an existing person")
	}
	if types.ParseStatus(o.Status) == types.StatusUnknown {
		return fmt.Errorf("--status must be normal or blocked, got %q", o.Status)
	}
	return nil
}

// featureFromImage runs detection and extraction on the largest face in a photo.
func featureFromImage(ctx context.Context, path string) (types.Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	plane := imageToPlane(img)

	engine := newEngine(Cfg, "enroll", Logger)
	defer engine.Close()
	fmt.Fprintf(os.Stderr, "⚙️  Starting inference engine...\n")
	if err := engine.Start(); err != nil {
		return nil, err
	}

	faces, err := engine.Detect(ctx, &plane)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	best, ok := pipeline.SelectPrimary(faces)
	if !ok {
		return nil, fmt.Errorf("no face found in %s", path)
	}
	if len(faces) > 1 {
		fmt.Fprintf(os.Stderr, "⚠️  %d faces found, enrolling the largest\n", len(faces))
	}
	feature, _, err := engine.Extract(ctx, &plane, faces[best])
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return feature, nil
}

// imageToPlane converts any decoded image to an RGBA plane.
func imageToPlane(img image.Image) types.Plane {
	b := img.Bounds()
	plane := types.NewPlane(b.Dx(), b.Dy())
	dst := plane.Image()
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return plane
}

// readFeatureFile reads a YAML list of floats.
func readFeatureFile(path string) (types.Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var feature types.Feature
	if err := yaml.Unmarshal(data, &feature); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(feature) != store.EmbeddingDim {
		return nil, fmt.Errorf("%s: expected %d values, got %d", path, store.EmbeddingDim, len(feature))
	}
	return feature, nil
}

func readGallery(path string) (faceindex.Gallery, error) {
	var g faceindex.Gallery
	data, err := os.ReadFile(path)
	if err != nil {
		return g, err
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("parse gallery %s: %w", path, err)
	}
	return g, nil
}

func enrollGallery(ctx context.Context, db *store.Store, path string) error {
	g, err := readGallery(path)
	if err != nil {
		utils.ShowError("Failed to read gallery", err, nil)
		return err
	}

	bar := progressbar.NewOptions(len(g.Persons),
		progressbar.OptionSetDescription("👥 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	var enrolled, failed int
	for _, e := range g.Persons {
		if err := ctx.Err(); err != nil {
			return err
		}
		status := types.ParseStatus(e.Status)
		if _, err := db.Enroll(ctx, e.Name, e.Embedding, status); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "\n⚠️  %s: %v\n", e.Name, err)
		} else {
			enrolled++
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintf(os.Stderr, "\n🏁 Enrolled %d persons (%d failed).\n", enrolled, failed)
	return nil
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Name of the person")
	enrollCmd.Flags().StringVar(&enrollOpts.Status, "status", "normal", "Registry status: normal or blocked")
	enrollCmd.Flags().IntVar(&enrollOpts.ID, "id", 0, "Add a sample to this existing person instead of creating one")
	enrollCmd.Flags().StringVar(&enrollOpts.Image, "image", "", "Photo (JPEG or PNG) to detect and embed")
	enrollCmd.Flags().StringVar(&enrollOpts.Feature, "feature", "", "YAML file holding a precomputed embedding")
	enrollCmd.Flags().StringVar(&enrollOpts.Gallery, "gallery", "", "YAML gallery file to bulk-load")
	rootCmd.AddCommand(enrollCmd)
}
