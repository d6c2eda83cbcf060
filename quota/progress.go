package quota

import (
	"github.com/golang/glog"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
)

// NewMPBProgress returns a ProgressFunc that drives an mpb bar as Clean
// evicts refs — the interactive counterpart of the V(3) eviction log lines.
func NewMPBProgress(p *mpb.Progress, total int) ProgressFunc {
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name("cleaning cache")),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d refs")),
	)
	return func(ref string, bytesFreed int64) {
		bar.IncrBy(1)
		glog.V(4).Infof("quota: evicted %s (%d bytes)", ref, bytesFreed)
	}
}
