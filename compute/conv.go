// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compute

import "github.com/LynnColeArt/convbench"

// convDirect computes every image of output channel oc with the direct
// convolution loops. Kernel layout is [OC][IC][KH][KW].
func convDirect(s convbench.Shape, input, kernel []float32, bias float32, output []float32, oc int) {
	out := s.OutputSize()
	inH, inW := s.InputSize.Height, s.InputSize.Width
	kH, kW := s.KernelSize.Height, s.KernelSize.Width

	for b := 0; b < s.Batch; b++ {
		for oh := 0; oh < out.Height; oh++ {
			for ow := 0; ow < out.Width; ow++ {
				sum := bias

				for ic := 0; ic < s.InputChannels; ic++ {
					for kh := 0; kh < kH; kh++ {
						ih := oh*s.Subsampling.Height - s.Padding.Top + kh
						if ih < 0 || ih >= inH {
							continue
						}
						for kw := 0; kw < kW; kw++ {
							iw := ow*s.Subsampling.Width - s.Padding.Left + kw
							if iw < 0 || iw >= inW {
								continue
							}
							inputIdx := ((b*s.InputChannels+ic)*inH+ih)*inW + iw
							kernelIdx := ((oc*s.InputChannels+ic)*kH+kh)*kW + kw
							sum += input[inputIdx] * kernel[kernelIdx]
						}
					}
				}

				outputIdx := ((b*s.OutputChannels+oc)*out.Height+oh)*out.Width + ow
				output[outputIdx] = sum
			}
		}
	}
}

// im2col extracts the patches of one image as columns.
// Output layout: [in_channels * kernel_h * kernel_w, out_h * out_w]
func im2col(s convbench.Shape, input []float32, col []float32) {
	out := s.OutputSize()
	inH, inW := s.InputSize.Height, s.InputSize.Width
	kH, kW := s.KernelSize.Height, s.KernelSize.Width
	p := out.Area()

	for c := 0; c < s.InputChannels; c++ {
		for kh := 0; kh < kH; kh++ {
			for kw := 0; kw < kW; kw++ {
				row := col[((c*kH+kh)*kW+kw)*p:][:p]

				for h := 0; h < out.Height; h++ {
					ih := h*s.Subsampling.Height - s.Padding.Top + kh
					for w := 0; w < out.Width; w++ {
						iw := w*s.Subsampling.Width - s.Padding.Left + kw
						if ih >= 0 && ih < inH && iw >= 0 && iw < inW {
							row[h*out.Width+w] = input[(c*inH+ih)*inW+iw]
						} else {
							row[h*out.Width+w] = 0 // Padding
						}
					}
				}
			}
		}
	}
}

// packKernel transposes the [OC][K] kernel into the [K][OC] layout the GEMM
// rows read with unit stride across output channels.
func packKernel(s convbench.Shape, kernel, packed []float32) {
	k := s.InputChannels * s.KernelSize.Area()
	oc := s.OutputChannels
	for o := 0; o < oc; o++ {
		for i := 0; i < k; i++ {
			packed[i*oc+o] = kernel[o*k+i]
		}
	}
}

// gemmRow computes output row oc = bias + packed[:, oc]^T * col, where col
// is K x P and output is OC x P.
func gemmRow(packed, col, output []float32, bias float32, k, oc, p, row int) {
	dst := output[row*p : (row+1)*p]
	for j := range dst {
		dst[j] = bias
	}
	for i := 0; i < k; i++ {
		a := packed[i*oc+row]
		if a == 0 {
			continue
		}
		src := col[i*p : (i+1)*p]
		for j, v := range src {
			dst[j] += a * v
		}
	}
}
