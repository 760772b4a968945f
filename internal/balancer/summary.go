package balancer

import (
	"github.com/montanaflynn/stats"

	"powcap/internal/cluster"
)

// PowerSummary 一个周期的集群功率汇总
type PowerSummary struct {
	AllocWatts uint32  // 已分配功率（各节点封顶之和）
	UsedWatts  uint32  // 已使用功率（各节点测得功率之和）
	MeanWatts  float64 // 就绪节点测得功率的均值
	MaxWatts   float64 // 就绪节点测得功率的最大值
	ReadyNodes int
}

// Summarize 基于快照统计集群功率
func Summarize(snap *cluster.Snapshot) PowerSummary {
	var summary PowerSummary
	series := make([]float64, 0, len(snap.Records))

	for _, rec := range snap.Records {
		summary.AllocWatts += rec.CapWatts
		summary.UsedWatts += rec.CurrentWatts
		if rec.Ready {
			summary.ReadyNodes++
			series = append(series, float64(rec.CurrentWatts))
		}
	}

	if len(series) > 0 {
		summary.MeanWatts, _ = stats.Mean(series)
		summary.MaxWatts, _ = stats.Max(series)
	}
	return summary
}
