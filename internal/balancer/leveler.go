package balancer

import (
	"go.uber.org/zap"

	"powcap/internal/cluster"
	"powcap/internal/common"
)

// LevelByJob 作业功率平齐：对每个需要平齐的运行中作业，把其全部就绪
// 成员节点的新封顶替换为作业平均值，避免逐节点阈值噪声造成的掉队者。
// 成员少于2个就绪节点、或各成员封顶已相等的作业保持不动。
func LevelByJob(snap *cluster.Snapshot, newCaps map[int]uint32,
	mode common.JobLevelMode, logger *zap.Logger) {

	if mode == common.JobLevelNever {
		return
	}

	for _, job := range snap.Jobs {
		if !job.Running {
			continue
		}
		if mode == common.JobLevelPerJob && !job.LevelPower {
			continue
		}

		var totalWatts, totalNodes uint32
		var maxWatts uint32
		minWatts := uint32(1<<32 - 1)
		for _, nid := range job.NIDs {
			rec, ok := snap.Records[nid]
			if !ok || !rec.Ready {
				continue
			}
			watts := newCaps[nid]
			totalWatts += watts
			totalNodes++
			maxWatts = max(maxWatts, watts)
			minWatts = min(minWatts, watts)
		}

		if totalNodes < 2 || minWatts == maxWatts {
			continue
		}

		aveWatts := totalWatts / totalNodes
		logger.Debug("leveling power caps for job",
			zap.Uint32("job_id", job.ID),
			zap.Uint32("node_cnt", totalNodes),
			zap.Uint32("min_watts", minWatts),
			zap.Uint32("max_watts", maxWatts),
			zap.Uint32("ave_watts", aveWatts))

		for _, nid := range job.NIDs {
			rec, ok := snap.Records[nid]
			if !ok || !rec.Ready {
				continue
			}
			newCaps[nid] = aveWatts
		}
	}
}
