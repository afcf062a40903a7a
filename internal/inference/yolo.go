package inference

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

// letterbox records how a source image was fitted into the model input so
// boxes can be mapped back.
type letterbox struct {
	scale      float64
	padX, padY float64
	srcW, srcH int
}

var padColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// preprocess resizes img into a width x height canvas keeping the aspect
// ratio, and returns it as HWC RGB float32 values in [0,1].
func preprocess(img image.Image, width, height int) ([]float32, letterbox) {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	scale := math.Min(float64(width)/float64(srcW), float64(height)/float64(srcH))
	newW := int(math.Round(float64(srcW) * scale))
	newH := int(math.Round(float64(srcH) * scale))
	padX := (width - newW) / 2
	padY := (height - newH) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: padColor}, image.Point{}, draw.Src)
	draw.BiLinear.Scale(canvas, image.Rect(padX, padY, padX+newW, padY+newH), img, b, draw.Over, nil)

	out := make([]float32, width*height*3)
	i := 0
	for y := 0; y < height; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < width; x++ {
			p := row[x*4:]
			out[i] = float32(p[0]) / 255
			out[i+1] = float32(p[1]) / 255
			out[i+2] = float32(p[2]) / 255
			i += 3
		}
	}

	return out, letterbox{scale: scale, padX: float64(padX), padY: float64(padY), srcW: srcW, srcH: srcH}
}

func (lb letterbox) toSource(box [4]float64) [4]float64 {
	clamp := func(v, limit float64) float64 {
		return math.Max(0, math.Min(v, limit))
	}
	w, h := float64(lb.srcW), float64(lb.srcH)
	return [4]float64{
		clamp((box[0]-lb.padX)/lb.scale, w),
		clamp((box[1]-lb.padY)/lb.scale, h),
		clamp((box[2]-lb.padX)/lb.scale, w),
		clamp((box[3]-lb.padY)/lb.scale, h),
	}
}

// yoloOutput is a raw YOLOv8 detection head: 4 box rows (cx, cy, w, h)
// followed by one score row per class, for every anchor.
type yoloOutput struct {
	data     []float32
	channels int
	anchors  int
	// transposed is set for [1, anchors, channels] exports.
	transposed bool
}

func (o yoloOutput) at(channel, anchor int) float64 {
	if o.transposed {
		return float64(o.data[anchor*o.channels+channel])
	}
	return float64(o.data[channel*o.anchors+anchor])
}

type candidate struct {
	anchor int
	Detection
}

// decode turns the raw head into candidate boxes in model input pixels,
// in anchor order. Coordinates at or below 1.0 are treated as normalized.
func decode(out yoloOutput, inputW, inputH int, confThreshold float64) []candidate {
	classes := out.channels - 4
	if classes <= 0 {
		return nil
	}

	normalized := true
	for a := 0; a < out.anchors && normalized; a++ {
		if out.at(2, a) > 1.0 || out.at(3, a) > 1.0 {
			normalized = false
		}
	}
	sx, sy := 1.0, 1.0
	if normalized {
		sx, sy = float64(inputW), float64(inputH)
	}

	var cands []candidate
	for a := 0; a < out.anchors; a++ {
		best, bestScore := -1, 0.0
		for c := 0; c < classes; c++ {
			if s := out.at(4+c, a); s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < confThreshold {
			continue
		}

		cx, cy := out.at(0, a)*sx, out.at(1, a)*sy
		w, h := out.at(2, a)*sx, out.at(3, a)*sy
		cands = append(cands, candidate{
			anchor: a,
			Detection: Detection{
				BBox:       [4]float64{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
				Confidence: bestScore,
				ClassID:    best,
			},
		})
	}
	return cands
}

// nms applies greedy per-class non-maximum suppression. Survivors keep
// their original anchor order.
func nms(cands []candidate, iouThreshold float64) []candidate {
	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return cands[order[i]].Confidence > cands[order[j]].Confidence
	})

	suppressed := make([]bool, len(cands))
	keep := make([]bool, len(cands))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep[i] = true
		for _, j := range order {
			if j == i || suppressed[j] || keep[j] {
				continue
			}
			if cands[j].ClassID == cands[i].ClassID && iou(cands[i].BBox, cands[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	out := make([]candidate, 0, len(cands))
	for i, c := range cands {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

func iou(a, b [4]float64) float64 {
	ix1, iy1 := math.Max(a[0], b[0]), math.Max(a[1], b[1])
	ix2, iy2 := math.Min(a[2], b[2]), math.Min(a[3], b[3])
	inter := math.Max(0, ix2-ix1) * math.Max(0, iy2-iy1)
	if inter == 0 {
		return 0
	}
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	return inter / (areaA + areaB - inter)
}

// postprocess runs decode and nms and maps boxes back to source pixels,
// resolving class names through labels.
func postprocess(out yoloOutput, inputW, inputH int, lb letterbox, labels []string, confThreshold, iouThreshold float64) []Detection {
	kept := nms(decode(out, inputW, inputH, confThreshold), iouThreshold)

	dets := make([]Detection, 0, len(kept))
	for _, c := range kept {
		d := c.Detection
		d.BBox = lb.toSource(d.BBox)
		if d.ClassID < len(labels) {
			d.ClassName = labels[d.ClassID]
		} else {
			d.ClassName = fmt.Sprintf("class_%d", d.ClassID)
		}
		dets = append(dets, d)
	}
	return dets
}
