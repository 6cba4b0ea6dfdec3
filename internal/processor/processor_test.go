package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cuongbtq/image-enhancer/internal/config"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	return imaging.New(w, h, c)
}

// checker draws a 2px checkerboard so the image has edges
func checker(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/2+y/2)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func TestTiles(t *testing.T) {
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 10, 6)}, tiles(10, 6, 0))
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 10, 6)}, tiles(10, 6, 400))

	got := tiles(10, 6, 4)
	require.Len(t, got, 6)
	assert.Equal(t, image.Rect(8, 4, 10, 6), got[5])

	area := 0
	for _, r := range got {
		area += r.Dx() * r.Dy()
	}
	assert.Equal(t, 60, area)
}

func TestLanczos_Enhance(t *testing.T) {
	p := NewLanczos(4, 1)
	defer p.Close()

	out, err := p.Enhance(context.Background(), checker(10, 6), 4)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 24), out.Bounds())
}

func TestLanczos_TiledMatchesSolidColor(t *testing.T) {
	c := color.NRGBA{R: 200, G: 100, B: 50, A: 255}

	out, err := NewLanczos(3, 1).Enhance(context.Background(), solid(7, 5, c), 2)
	require.NoError(t, err)

	for _, pt := range []image.Point{{0, 0}, {6, 4}, {13, 9}} {
		got := color.NRGBAModel.Convert(out.At(pt.X, pt.Y)).(color.NRGBA)
		assert.InDelta(t, c.R, got.R, 1)
		assert.InDelta(t, c.G, got.G, 1)
		assert.InDelta(t, c.B, got.B, 1)
	}
}

func TestLanczos_Errors(t *testing.T) {
	p := NewLanczos(0, 0)

	_, err := p.Enhance(context.Background(), checker(4, 4), 0)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Enhance(ctx, checker(4, 4), 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCodec(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeJPEG(&buf, checker(16, 8)))

	img, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "16x8", Size(img))

	_, err = Decode(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestComputeMetrics_Identical(t *testing.T) {
	img := checker(16, 16)

	m, err := ComputeMetrics(img, img)
	require.NoError(t, err)
	assert.Equal(t, 100.0, m.PSNR)
	assert.Equal(t, 1.0, m.SSIM)
	assert.Equal(t, 1.0, m.SharpnessGain)
}

func TestComputeMetrics_FlatOriginal(t *testing.T) {
	flat := solid(16, 16, color.Gray{Y: 128})

	m, err := ComputeMetrics(flat, checker(32, 32))
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.SharpnessGain)
	assert.Less(t, m.PSNR, 100.0)
}

func TestComputeMetrics_Upscaled(t *testing.T) {
	original := checker(16, 16)
	enhanced, err := NewLanczos(0, 0).Enhance(context.Background(), original, 2)
	require.NoError(t, err)

	m, err := ComputeMetrics(original, enhanced)
	require.NoError(t, err)
	assert.Greater(t, m.PSNR, 0.0)
	assert.LessOrEqual(t, m.PSNR, 100.0)
	assert.Greater(t, m.SSIM, 0.0)
	assert.LessOrEqual(t, m.SSIM, 1.0)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 31.46, round(31.4567, 2))
	assert.Equal(t, 0.9123, round(0.91234, 4))
}

func TestRemote_Enhance(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		assert.Equal(t, "2", r.URL.Query().Get("scale"))
		assert.Equal(t, "cuda", r.URL.Query().Get("device"))

		in, err := imaging.Decode(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		out := imaging.Resize(in, in.Bounds().Dx()*2, 0, imaging.Lanczos)
		w.Header().Set("Content-Type", "image/jpeg")
		assert.NoError(t, imaging.Encode(w, out, imaging.JPEG))
	}))
	defer srv.Close()

	p := NewRemote(RemoteConfig{URL: srv.URL, Device: "cuda"})
	out, err := p.Enhance(context.Background(), checker(8, 4), 2)
	require.NoError(t, err)
	assert.Equal(t, "16x8", Size(out))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRemote_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "model warming up", http.StatusServiceUnavailable)
			return
		}
		assert.NoError(t, imaging.Encode(w, checker(4, 4), imaging.PNG))
	}))
	defer srv.Close()

	p := NewRemote(RemoteConfig{URL: srv.URL, RetryAttempts: 1})
	_, err := p.Enhance(context.Background(), checker(2, 2), 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemote_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad image", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewRemote(RemoteConfig{URL: srv.URL}).Enhance(context.Background(), checker(2, 2), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "bad image")
}

func TestNewFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f, err := NewFactory(config.ProcessorConfig{Driver: config.ProcessorDriverLanczos, Device: "cuda", TileSize: 400}, logger)
	require.NoError(t, err)
	p, err := f()
	require.NoError(t, err)
	assert.IsType(t, &Lanczos{}, p)

	f, err = NewFactory(config.ProcessorConfig{Driver: config.ProcessorDriverRemote, Remote: config.RemoteConfig{URL: "http://model:9000/enhance"}}, logger)
	require.NoError(t, err)
	p, err = f()
	require.NoError(t, err)
	assert.IsType(t, &Remote{}, p)

	_, err = NewFactory(config.ProcessorConfig{Driver: "torch"}, logger)
	assert.Error(t, err)
}
