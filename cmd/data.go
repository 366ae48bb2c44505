package cmd

import (
	"math/rand"

	"github.com/openfluke/capsnet/capsnet"
	"github.com/openfluke/capsnet/nn"
)

// syntheticBatch draws images whose class decides which bar is lit: even
// classes light a row band and odd classes a column band, offset by the
// class index. Pixels are in [0, 1] with a little noise.
func syntheticBatch(rng *rand.Rand, cfg capsnet.Config, batch int) (images, target *nn.Tensor, classes []int, err error) {
	c, h, w := cfg.InputChannels, cfg.InputHeight, cfg.InputWidth
	images = nn.NewTensor(batch, c, h, w)
	classes = make([]int, batch)

	for b := range batch {
		class := rng.Intn(cfg.NumClasses)
		classes[b] = class

		band := class / 2 * max(h, w) / max(cfg.NumClasses/2, 1)
		for ch := range c {
			plane := images.Data[((b*c)+ch)*h*w : ((b*c)+ch+1)*h*w]
			for y := range h {
				for x := range w {
					v := 0.05 * rng.Float32()
					pos := y
					if class%2 == 1 {
						pos = x
					}
					if pos >= band && pos < band+2 {
						v = 0.9 + 0.1*rng.Float32()
					}
					plane[y*w+x] = v
				}
			}
		}
	}

	target, err = capsnet.OneHot(classes, cfg.NumClasses)
	return images, target, classes, err
}
