package processor

import (
	"fmt"
	"image"
	"math"

	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/disintegration/imaging"
)

const (
	maxPSNR       = 100.0
	ssimBlockSize = 8
	dataRange     = 255.0
)

var (
	ssimC1 = math.Pow(0.01*dataRange, 2)
	ssimC2 = math.Pow(0.03*dataRange, 2)
)

// ComputeMetrics compares enhanced against original after resampling it back
// to the original size
func ComputeMetrics(original, enhanced image.Image) (*domain.QualityMetrics, error) {
	ob := original.Bounds()
	if ob.Dx() == 0 || ob.Dy() == 0 {
		return nil, fmt.Errorf("empty original image")
	}

	ref := imaging.Clone(original)
	cmp := imaging.Clone(enhanced)
	if cmp.Bounds().Size() != ref.Bounds().Size() {
		cmp = imaging.Resize(enhanced, ob.Dx(), ob.Dy(), imaging.Box)
	}

	refGray := luminance(ref)
	cmpGray := luminance(cmp)
	w, h := ob.Dx(), ob.Dy()

	return &domain.QualityMetrics{
		PSNR:          round(psnr(ref, cmp), 2),
		SSIM:          round(ssim(refGray, cmpGray, w, h), 4),
		SharpnessGain: round(sharpnessGain(refGray, cmpGray, w, h), 2),
	}, nil
}

// psnr over the RGB channels, clipped for identical images
func psnr(a, b *image.NRGBA) float64 {
	var sum float64
	n := 0
	for i := 0; i < len(a.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			d := float64(a.Pix[i+c]) - float64(b.Pix[i+c])
			sum += d * d
			n++
		}
	}

	mse := sum / float64(n)
	if mse == 0 {
		return maxPSNR
	}
	return math.Min(10*math.Log10(dataRange*dataRange/mse), maxPSNR)
}

// ssim is the mean of per-block SSIM over non-overlapping 8x8 luminance blocks
func ssim(a, b []float64, w, h int) float64 {
	bs := ssimBlockSize
	if w < bs || h < bs {
		bs = min(w, h)
	}

	var total float64
	blocks := 0
	for y := 0; y+bs <= h; y += bs {
		for x := 0; x+bs <= w; x += bs {
			total += blockSSIM(a, b, w, x, y, bs)
			blocks++
		}
	}

	if blocks == 0 {
		return 0
	}
	return total / float64(blocks)
}

func blockSSIM(a, b []float64, stride, x0, y0, bs int) float64 {
	n := float64(bs * bs)

	var sa, sb float64
	for y := y0; y < y0+bs; y++ {
		for x := x0; x < x0+bs; x++ {
			sa += a[y*stride+x]
			sb += b[y*stride+x]
		}
	}
	ma, mb := sa/n, sb/n

	var va, vb, cov float64
	for y := y0; y < y0+bs; y++ {
		for x := x0; x < x0+bs; x++ {
			da := a[y*stride+x] - ma
			db := b[y*stride+x] - mb
			va += da * da
			vb += db * db
			cov += da * db
		}
	}
	va /= n
	vb /= n
	cov /= n

	return ((2*ma*mb + ssimC1) * (2*cov + ssimC2)) /
		((ma*ma + mb*mb + ssimC1) * (va + vb + ssimC2))
}

// sharpnessGain is the ratio of Laplacian variances, 0 when the original is flat
func sharpnessGain(a, b []float64, w, h int) float64 {
	va := laplacianVariance(a, w, h)
	if va <= 0 {
		return 0
	}
	return laplacianVariance(b, w, h) / va
}

// laplacianVariance applies the 4-neighbour kernel with edge replication
func laplacianVariance(g []float64, w, h int) float64 {
	at := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return g[y*w+x]
	}

	n := float64(w * h)
	var sum, sumSq float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
			sum += v
			sumSq += v * v
		}
	}

	mean := sum / n
	return sumSq/n - mean*mean
}

// luminance converts to ITU-R BT.601 luma
func luminance(img *image.NRGBA) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for i := 0; i < len(img.Pix); i += 4 {
		r, g, bl := float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
		out = append(out, 0.299*r+0.587*g+0.114*bl)
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
