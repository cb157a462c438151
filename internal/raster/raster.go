// Package raster turns claim documents into JPEG page images for the vision
// model.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var pagePattern = regexp.MustCompile(`-(\d+)\.jpg$`)

// Conversion is the outcome for one output page or one failed input.
type Conversion struct {
	InputPath  string `json:"input_path"`
	OutputPath string `json:"output_path,omitempty"`
	Page       int    `json:"page,omitempty"`
	Err        error  `json:"-"`
}

// OK reports whether the conversion produced an image.
func (c Conversion) OK() bool {
	return c.Err == nil && c.OutputPath != ""
}

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Converter rasterizes PDFs with pdftoppm and normalizes other images to JPEG.
type Converter struct {
	tool    string
	dpi     int
	quality int
	tempDir string
	run     Runner
	logger  *logrus.Logger
}

// Option configures a Converter.
type Option func(*Converter)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(c *Converter) {
		c.run = r
	}
}

// NewConverter creates a converter writing into tempDir, or the system temp
// directory when empty.
func NewConverter(tool string, dpi, quality int, tempDir string, logger *logrus.Logger, opts ...Option) *Converter {
	if tool == "" {
		tool = "pdftoppm"
	}
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "claim-intake")
	}
	c := &Converter{
		tool:    tool,
		dpi:     dpi,
		quality: quality,
		tempDir: tempDir,
		run:     execRunner,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert converts each input in order. Failures are reported per input and
// never stop the remaining inputs.
func (c *Converter) Convert(ctx context.Context, paths []string) ([]Conversion, error) {
	if err := os.MkdirAll(c.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raster directory: %w", err)
	}

	var results []Conversion
	for _, in := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		ext := strings.ToLower(filepath.Ext(in))
		base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
		prefix := filepath.Join(c.tempDir, base+"-"+uuid.NewString()[:8])

		switch ext {
		case ".pdf":
			pages, err := c.convertPDF(ctx, in, prefix)
			if err != nil {
				c.logger.WithError(err).WithField("path", in).Warn("PDF conversion failed")
				results = append(results, Conversion{InputPath: in, Err: err})
				continue
			}
			results = append(results, pages...)
		case ".jpg", ".jpeg", ".png":
			results = append(results, Conversion{InputPath: in, OutputPath: in})
		default:
			out := prefix + ".jpg"
			if err := c.reencode(in, out); err != nil {
				c.logger.WithError(err).WithField("path", in).Warn("Image conversion failed")
				results = append(results, Conversion{InputPath: in, Err: err})
				continue
			}
			results = append(results, Conversion{InputPath: in, OutputPath: out})
		}
	}
	return results, nil
}

// Successful returns only the conversions that produced an image.
func Successful(conversions []Conversion) []Conversion {
	var out []Conversion
	for _, c := range conversions {
		if c.OK() {
			out = append(out, c)
		}
	}
	return out
}

func (c *Converter) convertPDF(ctx context.Context, in, prefix string) ([]Conversion, error) {
	if n, err := api.PageCountFile(in); err != nil {
		c.logger.WithError(err).WithField("path", in).Warn("Could not read PDF page count")
	} else {
		c.logger.WithFields(logrus.Fields{"path": in, "pages": n}).Debug("Rasterizing PDF")
	}

	args := []string{
		"-r", strconv.Itoa(c.dpi),
		"-jpeg",
		"-jpegopt", "quality=" + strconv.Itoa(c.quality),
		in, prefix,
	}
	if out, err := c.run(ctx, c.tool, args...); err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("pdftoppm failed: %s", detail)
	}

	dir := filepath.Dir(prefix)
	stem := filepath.Base(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list raster output: %w", err)
	}

	var pages []Conversion
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, stem) || !strings.HasSuffix(name, ".jpg") {
			continue
		}
		conv := Conversion{InputPath: in, OutputPath: filepath.Join(dir, name)}
		if m := pagePattern.FindStringSubmatch(name); m != nil {
			conv.Page, _ = strconv.Atoi(m[1])
		}
		pages = append(pages, conv)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no JPEG pages (check Poppler install)")
	}

	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].Page != pages[j].Page {
			return pages[i].Page < pages[j].Page
		}
		return pages[i].OutputPath < pages[j].OutputPath
	})
	return pages, nil
}

func (c *Converter) reencode(in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return fmt.Errorf("failed to encode %s as jpeg: %w", format, err)
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}
