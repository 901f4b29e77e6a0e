package rembg

import (
	"fmt"

	"github.com/chaos-io/cutout/pixel"
)

// ImageTensor 转成 [1,3,size,size] 的输入张量，取值归一化到 [-1,1]
// size 为 0 时保持原尺寸
func ImageTensor(buf *pixel.Buffer, size int) Tensor {
	src := buf
	if size > 0 {
		src = pixel.Resample(buf, size, size)
	}
	plane := src.Width * src.Height
	data := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		data[i] = float32(src.Pix[i*4])/255*2 - 1
		data[plane+i] = float32(src.Pix[i*4+1])/255*2 - 1
		data[2*plane+i] = float32(src.Pix[i*4+2])/255*2 - 1
	}
	return Tensor{Shape: []int{1, 3, src.Height, src.Width}, Data: data}
}

// MaskFromTensor 把 [1,1,H,W] 的输出还原为 width×height 的 mask
func MaskFromTensor(t Tensor, width, height int) ([]float32, error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[1] != 1 {
		return nil, fmt.Errorf("%w: %v", ErrTensorShape, t.Shape)
	}
	h, w := t.Shape[2], t.Shape[3]
	if len(t.Data) != w*h {
		return nil, fmt.Errorf("%w: %v with %d values", ErrTensorShape, t.Shape, len(t.Data))
	}
	return pixel.ResampleGray(t.Data, w, h, width, height), nil
}
