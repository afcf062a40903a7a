package inference

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headFromAnchors builds a [4+C, N] channel-major output from per-anchor rows
// of cx, cy, w, h, score0..scoreC-1.
func headFromAnchors(rows [][]float32) yoloOutput {
	channels := len(rows[0])
	anchors := len(rows)
	data := make([]float32, channels*anchors)
	for a, row := range rows {
		for c, v := range row {
			data[c*anchors+a] = v
		}
	}
	return yoloOutput{data: data, channels: channels, anchors: anchors}
}

func TestDecode_ThresholdAndBestClass(t *testing.T) {
	out := headFromAnchors([][]float32{
		{50, 50, 20, 20, 0.1, 0.8},
		{10, 10, 4, 4, 0.2, 0.1},
		{30, 40, 10, 20, 0.6, 0.3},
	})

	cands := decode(out, 100, 100, 0.25)
	require.Len(t, cands, 2)

	assert.Equal(t, 0, cands[0].anchor)
	assert.Equal(t, 1, cands[0].ClassID)
	assert.InDelta(t, 0.8, cands[0].Confidence, 1e-6)
	assert.Equal(t, [4]float64{40, 40, 60, 60}, cands[0].BBox)

	assert.Equal(t, 2, cands[1].anchor)
	assert.Equal(t, 0, cands[1].ClassID)
	assert.Equal(t, [4]float64{25, 30, 35, 50}, cands[1].BBox)
}

func TestDecode_NormalizedCoordinates(t *testing.T) {
	out := headFromAnchors([][]float32{
		{0.5, 0.5, 0.2, 0.4, 0.9},
	})

	cands := decode(out, 640, 320, 0.5)
	require.Len(t, cands, 1)
	b := cands[0].BBox
	assert.InDelta(t, 256, b[0], 1e-3)
	assert.InDelta(t, 96, b[1], 1e-3)
	assert.InDelta(t, 384, b[2], 1e-3)
	assert.InDelta(t, 224, b[3], 1e-3)
}

func TestDecode_TransposedLayout(t *testing.T) {
	out := yoloOutput{
		data:       []float32{50, 50, 20, 20, 0.1, 0.9},
		channels:   6,
		anchors:    1,
		transposed: true,
	}

	cands := decode(out, 100, 100, 0.5)
	require.Len(t, cands, 1)
	assert.Equal(t, 1, cands[0].ClassID)
	assert.Equal(t, [4]float64{40, 40, 60, 60}, cands[0].BBox)
}

func TestNMS_PerClassAndAnchorOrder(t *testing.T) {
	cands := []candidate{
		{anchor: 0, Detection: Detection{BBox: [4]float64{0, 0, 10, 10}, Confidence: 0.6, ClassID: 0}},
		{anchor: 1, Detection: Detection{BBox: [4]float64{1, 1, 11, 11}, Confidence: 0.9, ClassID: 0}},
		{anchor: 2, Detection: Detection{BBox: [4]float64{0, 0, 10, 10}, Confidence: 0.5, ClassID: 1}},
		{anchor: 3, Detection: Detection{BBox: [4]float64{50, 50, 60, 60}, Confidence: 0.7, ClassID: 0}},
	}

	kept := nms(cands, 0.45)
	require.Len(t, kept, 3)

	// The weaker overlapping box of class 0 is dropped; class 1 survives
	// despite full overlap; output follows anchor order, not confidence.
	assert.Equal(t, 1, kept[0].anchor)
	assert.Equal(t, 2, kept[1].anchor)
	assert.Equal(t, 3, kept[2].anchor)
}

func TestIoU(t *testing.T) {
	assert.InDelta(t, 1.0, iou([4]float64{0, 0, 10, 10}, [4]float64{0, 0, 10, 10}), 1e-9)
	assert.InDelta(t, 0.0, iou([4]float64{0, 0, 10, 10}, [4]float64{10, 10, 20, 20}), 1e-9)
	assert.InDelta(t, 25.0/175.0, iou([4]float64{0, 0, 10, 10}, [4]float64{5, 5, 15, 15}), 1e-9)
}

func TestPreprocess_LetterboxRoundTrip(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			src.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	input, lb := preprocess(src, 100, 100)
	require.Len(t, input, 100*100*3)
	assert.InDelta(t, 0.5, lb.scale, 1e-9)
	assert.Equal(t, 0.0, lb.padX)
	assert.Equal(t, 25.0, lb.padY)

	// Top rows are padding, the middle is the red source.
	assert.InDelta(t, 114.0/255, input[0], 1e-6)
	mid := (50*100 + 50) * 3
	assert.InDelta(t, 1.0, input[mid], 1e-6)
	assert.InDelta(t, 0.0, input[mid+1], 1e-6)

	box := lb.toSource([4]float64{10, 30, 60, 80})
	assert.Equal(t, [4]float64{20, 10, 120, 100}, box)

	clamped := lb.toSource([4]float64{-5, 0, 120, 100})
	assert.Equal(t, [4]float64{0, 0, 200, 100}, clamped)
}

func TestPostprocess_ResolvesLabels(t *testing.T) {
	out := headFromAnchors([][]float32{
		{50, 50, 20, 20, 0.9, 0.0},
		{20, 20, 10, 10, 0.0, 0.7},
	})
	lb := letterbox{scale: 1, srcW: 100, srcH: 100}

	dets := postprocess(out, 100, 100, lb, []string{"aphid"}, 0.25, 0.45)
	require.Len(t, dets, 2)
	assert.Equal(t, "aphid", dets[0].ClassName)
	assert.Equal(t, "class_1", dets[1].ClassName)
}
