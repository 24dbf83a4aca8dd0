package film

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"cloudrt/internal/raystate"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/image/tiff"
)

// Film accumulates weighted radiance per pixel. Several finished rays may contribute to
// one camera sample, so pixel values are normalized by samples per pixel rather than by
// the number of contributions.
type Film struct {
	width, height int
	spp           int
	sum           []mgl64.Vec3
	contributions []uint32
}

// New creates an empty film
func New(width, height, spp int) *Film {
	if spp < 1 {
		spp = 1
	}
	return &Film{
		width:         width,
		height:        height,
		spp:           spp,
		sum:           make([]mgl64.Vec3, width*height),
		contributions: make([]uint32, width*height),
	}
}

func (f *Film) Width() int  { return f.width }
func (f *Film) Height() int { return f.height }

// AddSample adds one contribution; pixels outside the film are ignored
func (f *Film) AddSample(pixel [2]int32, l mgl64.Vec3, weight float64) bool {
	x, y := int(pixel[0]), int(pixel[1])
	if x < 0 || y < 0 || x >= f.width || y >= f.height {
		return false
	}
	if math.IsNaN(l[0]) || math.IsNaN(l[1]) || math.IsNaN(l[2]) || math.IsInf(weight, 0) {
		return false
	}
	i := y*f.width + x
	f.sum[i] = f.sum[i].Add(l.Mul(weight))
	f.contributions[i]++
	return true
}

// AddFinished adds every finished ray and returns how many landed on the film
func (f *Film) AddFinished(rays []raystate.FinishedRay) int {
	n := 0
	for _, r := range rays {
		if f.AddSample(r.Pixel, r.L, r.Weight) {
			n++
		}
	}
	return n
}

// Pixel returns the estimate at (x, y)
func (f *Film) Pixel(x, y int) mgl64.Vec3 {
	return f.sum[y*f.width+x].Mul(1 / float64(f.spp))
}

// Contributions returns how many samples landed on (x, y)
func (f *Film) Contributions(x, y int) uint32 {
	return f.contributions[y*f.width+x]
}

// Image converts the film to 16-bit sRGB-ish output with gamma 2.2
func (f *Film) Image() *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, f.width, f.height))
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			p := f.Pixel(x, y)
			img.SetNRGBA64(x, y, color.NRGBA64{
				R: toUint16(p[0]),
				G: toUint16(p[1]),
				B: toUint16(p[2]),
				A: math.MaxUint16,
			})
		}
	}
	return img
}

func toUint16(v float64) uint16 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	v = math.Pow(v, 1/2.2)
	if v >= 1 {
		return math.MaxUint16
	}
	return uint16(v*math.MaxUint16 + 0.5)
}

// Write encodes the film as PNG or TIFF depending on the file extension
func (f *Film) Write(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".tif" && ext != ".tiff" {
		return fmt.Errorf("unsupported image format %q", ext)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	img := f.Image()
	switch ext {
	case ".png":
		err = png.Encode(file, img)
	default:
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}
