package imgproc

import (
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"
)

// cardFloat pulls a numeric header value, returning def if it is missing
func cardFloat(h *fitsio.Header, name string, def float64) float64 {
	c := h.Get(name)
	if c == nil {
		return def
	}
	switch v := c.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return def
}

// readPixels reads every element of the image in its stored type and widens it to float64
func readPixels(img fitsio.Image, axes []int) ([]float64, error) {
	n := 1
	for _, a := range axes {
		n *= a
	}
	var err error
	out := make([]float64, n)
	switch bitpix := img.Header().Bitpix(); bitpix {
	case 8:
		buf := make([]uint8, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case 16:
		buf := make([]int16, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case 32:
		buf := make([]int32, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case 64:
		buf := make([]int64, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case -32:
		buf := make([]float32, n)
		if err = img.Read(&buf); err == nil {
			for i, v := range buf {
				out[i] = float64(v)
			}
		}
	case -64:
		err = img.Read(&out)
	default:
		err = fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, err
}

// LoadFITS reads the primary image of a FITS file, applying BZERO and BSCALE
func LoadFITS(path string) (Frame, error) {
	var fr Frame
	f, err := os.Open(path)
	if err != nil {
		return fr, err
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		return fr, fmt.Errorf("opening fits %s: %w", path, err)
	}
	defer fits.Close()

	img, ok := fits.HDU(0).(fitsio.Image)
	if !ok {
		return fr, fmt.Errorf("%s: primary HDU is not an image", path)
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return fr, fmt.Errorf("%s: expected a 2D image, got %d axes", path, len(axes))
	}
	pix, err := readPixels(img, axes)
	if err != nil {
		return fr, fmt.Errorf("reading fits %s: %w", path, err)
	}
	fr.Width, fr.Height = axes[0], axes[1]
	n := fr.Width * fr.Height
	if len(pix) < n {
		return fr, ErrEmptyImage
	}
	// only the first frame of a cube is used
	fr.Pix = pix[:n]
	if hdr.Bitpix() > 0 {
		bzero := cardFloat(hdr, "BZERO", 0)
		bscale := cardFloat(hdr, "BSCALE", 1)
		if bzero != 0 || bscale != 1 {
			for i, v := range fr.Pix {
				fr.Pix[i] = v*bscale + bzero
			}
		}
	}
	return fr, nil
}

// WriteFITS streams a frame to w as a 64-bit float FITS image with the given header cards
func WriteFITS(w io.Writer, metadata []fitsio.Card, fr Frame) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{fr.Width, fr.Height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(fr.Pix)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
