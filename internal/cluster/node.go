package cluster

import "time"

// PowerRecord 单个节点的功率遥测/限制/封顶状态。
// 记录由State的写锁保护，在首次遥测触达节点时延迟分配。
type PowerRecord struct {
	CurrentWatts  uint32    // 最近一次测得的功率，由能耗计数器差分推导
	MinWatts      uint32    // 硬件报告的节点功率下限
	MaxWatts      uint32    // 硬件报告的节点功率上限
	AccelMinWatts uint32    // 加速器功率下限
	AccelMaxWatts uint32    // 加速器功率上限
	CapWatts      uint32    // 当前生效的封顶（以工具最后确认值为准）
	NewCapWatts   uint32    // 再平衡器为下个周期计算的封顶，计算前始终为零
	JouleCounter  uint64    // 累计能耗计数器
	TimeUsec      uint64    // 计数器样本时间，当天零点以来的微秒数
	Ready         bool      // 只有就绪节点才允许在本周期修改封顶
	JobStartedAt  time.Time // 最近一次作业分配/恢复的时间
}

// Node 集群节点
type Node struct {
	Name  string // 固定宽度节点名，例如 "nid00007"
	NID   int
	Power *PowerRecord
}

// Job 运行中的作业及其占用的节点集合
type Job struct {
	ID         uint32
	NIDs       []int
	Running    bool
	LevelPower bool // 作业请求其所有节点共享同一封顶
}
