package histplot

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saia-lab/saia/histo"
)

func TestRender(t *testing.T) {
	h := histo.Hist{
		Edges: []float64{0, 1, 2, 3, 4},
		Occ:   []float64{1, 4, 2, 0},
	}
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, h, 2.5, [][]float64{{4, 1.5, 0.5}}))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)
}

func TestRenderEmpty(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, Render(&buf, histo.Hist{}, 0, nil), ErrEmpty)
}

func TestScatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Scatter(&buf, []float64{1, 2, 3}, []float64{0.1, 0.5, 0.4}, "User variable", "Loading probability"))
	_, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.ErrorIs(t, Scatter(&buf, []float64{1}, nil, "x", "y"), ErrEmpty)
}
