package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"powcap/internal/capmc"
	"powcap/internal/common"
)

const usecsPerDay = 24 * 60 * 60 * 1000000

// State 集群节点/作业表，由读写锁保护。
// 所有突变都在其方法内部持写锁完成；外部工具调用发生在锁之外，
// 结果通过Merge*方法在新获取的锁下合并回来。
type State struct {
	mu     sync.RWMutex
	nodes  map[string]*Node // 按节点名索引
	byNID  map[int]*Node
	jobs   map[uint32]*Job
	logger *zap.Logger
}

// NewState 创建空的集群状态表
func NewState() *State {
	return &State{
		nodes:  make(map[string]*Node),
		byNID:  make(map[int]*Node),
		jobs:   make(map[uint32]*Job),
		logger: common.ComponentLogger("cluster-state"),
	}
}

// AddNodes 注册集群节点。重复注册同一NID是无害的。
func (s *State) AddNodes(nids []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, nid := range nids {
		if _, exists := s.byNID[nid]; exists {
			continue
		}
		node := &Node{Name: capmc.FormatNID(nid), NID: nid}
		s.nodes[node.Name] = node
		s.byNID[nid] = node
	}
}

// LookupNode 按节点名查找节点，未注册时返回nil
func (s *State) LookupNode(name string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[name]
}

// NIDs 返回全部已注册节点的NID，升序排列
func (s *State) NIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nids := make([]int, 0, len(s.byNID))
	for nid := range s.byNID {
		nids = append(nids, nid)
	}
	sort.Ints(nids)
	return nids
}

// lookupLocked 按NID查找节点；未注册的节点只记debug日志（扩缩容期间属预期情况）
func (s *State) lookupLocked(nid int) *Node {
	node := s.byNID[nid]
	if node == nil {
		s.logger.Debug("node not in cluster table",
			zap.String("node", capmc.FormatNID(nid)))
	}
	return node
}

// power 返回节点的功率记录，首次访问时分配
func (n *Node) power() *PowerRecord {
	if n.Power == nil {
		n.Power = &PowerRecord{}
	}
	return n.Power
}

// MergeCapabilities 合并硬件功率上下限，扇出到每个条目列出的全部节点
func (s *State) MergeCapabilities(entries []capmc.ConfigEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ent := range entries {
		for _, nid := range ent.NIDs {
			node := s.lookupLocked(nid)
			if node == nil {
				continue
			}
			power := node.power()
			power.MinWatts = ent.NodeMinWatts
			power.MaxWatts = ent.NodeMaxWatts
			power.AccelMinWatts = ent.AccelMinWatts
			power.AccelMaxWatts = ent.AccelMaxWatts
		}
	}
}

// MergeCaps 合并工具报告的当前封顶
func (s *State) MergeCaps(entries []capmc.ConfigEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ent := range entries {
		for _, nid := range ent.NIDs {
			node := s.lookupLocked(nid)
			if node == nil {
				continue
			}
			node.power().CapWatts = ent.CapWatts
		}
	}
}

// MergeEnergy 合并能耗计数器样本并推导当前功率。
// 先把全表节点的当前功率清零；随后对每个条目，只有在前后两个样本
// 时间都非零且计数器递增时才计算差分，允许一次跨午夜回绕，
// 其他任何时序都只更新样本而不产生功率值。
func (s *State) MergeEnergy(entries []capmc.ConfigEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range s.nodes {
		node.power().CurrentWatts = 0
	}

	for _, ent := range entries {
		for _, nid := range ent.NIDs {
			node := s.lookupLocked(nid)
			if node == nil {
				continue
			}
			power := node.Power

			var deltaTime uint64
			switch {
			case ent.TimeUsec == 0 || power.TimeUsec == 0:
				// 无前一样本或无新样本
			case ent.TimeUsec > power.TimeUsec:
				deltaTime = ent.TimeUsec - power.TimeUsec
			case ent.TimeUsec+usecsPerDay > power.TimeUsec:
				// 单次跨午夜回绕
				deltaTime = ent.TimeUsec + usecsPerDay - power.TimeUsec
			}
			if deltaTime != 0 && power.JouleCounter < ent.JouleCounter {
				deltaJoules := (ent.JouleCounter - power.JouleCounter) * 1000000
				power.CurrentWatts = uint32(deltaJoules / deltaTime)
			}
			power.JouleCounter = ent.JouleCounter
			power.TimeUsec = ent.TimeUsec
		}
	}
}

// MergeReadiness 合并就绪状态。先把全表节点重置为非就绪，
// 再标记列表中的节点——未列出的节点必须回到非就绪态。
func (s *State) MergeReadiness(entries []capmc.ConfigEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range s.nodes {
		node.power().Ready = false
	}

	for _, ent := range entries {
		for _, nid := range ent.NIDs {
			node := s.lookupLocked(nid)
			if node == nil {
				continue
			}
			node.Power.Ready = ent.Ready
		}
	}
}

// SetNewCaps 合并再平衡器计算的下周期封顶
func (s *State) SetNewCaps(newCaps map[int]uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range s.nodes {
		if node.Power != nil {
			node.Power.NewCapWatts = 0
		}
	}
	for nid, watts := range newCaps {
		node := s.lookupLocked(nid)
		if node == nil {
			continue
		}
		node.power().NewCapWatts = watts
	}
}

// ConfirmCaps 记录一组节点经工具确认已生效的封顶
func (s *State) ConfirmCaps(nids []int, watts uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, nid := range nids {
		node := s.lookupLocked(nid)
		if node == nil {
			continue
		}
		node.power().CapWatts = watts
	}
}

// AddJob 登记作业。全部成员节点必须已注册。
func (s *State) AddJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, nid := range job.NIDs {
		if _, exists := s.byNID[nid]; !exists {
			return fmt.Errorf("%w: %s", common.ErrUnknownNode, capmc.FormatNID(nid))
		}
	}
	s.jobs[job.ID] = job
	return nil
}

// RemoveJob 移除作业
func (s *State) RemoveJob(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// NoteJobStart 记录作业分配/恢复，在其成员节点上盖上作业启动时间戳。
// 该时间戳用于区分"近期负载变化"与稳态。
func (s *State) NoteJobStart(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.jobs[id]
	if job == nil {
		return
	}
	job.Running = true
	now := time.Now()
	for _, nid := range job.NIDs {
		node := s.lookupLocked(nid)
		if node == nil {
			continue
		}
		node.power().JobStartedAt = now
	}
}

// Snapshot 再平衡器使用的不可变快照
type Snapshot struct {
	Records map[int]PowerRecord // 已分配功率记录的节点，按NID索引的值拷贝
	Jobs    []JobView
	Taken   time.Time
}

// JobView 快照中的作业视图
type JobView struct {
	ID         uint32
	NIDs       []int
	Running    bool
	LevelPower bool
}

// TakeSnapshot 在读锁下拷贝全部功率记录与作业表
func (s *State) TakeSnapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Records: make(map[int]PowerRecord, len(s.byNID)),
		Taken:   time.Now(),
	}
	for nid, node := range s.byNID {
		if node.Power == nil {
			continue
		}
		snap.Records[nid] = *node.Power
	}
	for _, job := range s.jobs {
		nids := make([]int, len(job.NIDs))
		copy(nids, job.NIDs)
		snap.Jobs = append(snap.Jobs, JobView{
			ID:         job.ID,
			NIDs:       nids,
			Running:    job.Running,
			LevelPower: job.LevelPower,
		})
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].ID < snap.Jobs[j].ID })
	return snap
}

// PowerTotals 在读锁下统计全集群的已分配与已使用功率
func (s *State) PowerTotals() (allocWatts, usedWatts uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, node := range s.nodes {
		if node.Power == nil {
			continue
		}
		allocWatts += node.Power.CapWatts
		usedWatts += node.Power.CurrentWatts
	}
	return allocWatts, usedWatts
}
