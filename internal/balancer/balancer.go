package balancer

import (
	"sort"
	"time"

	"powcap/internal/capmc"
	"powcap/internal/cluster"
	"powcap/internal/common"
)

// Instruction 一组节点的功率封顶指令，仅在一个控制周期内存活
type Instruction struct {
	NIDs     []int  // 组内节点ID
	NIDRange string // 压缩的范围表达式，用于工具调用与日志
	Watts    uint32 // 目标封顶
	Increase bool   // 相对旧封顶是否上调
}

// sortedNIDs 按NID升序遍历快照，保证结果确定
func sortedNIDs(records map[int]cluster.PowerRecord) []int {
	nids := make([]int, 0, len(records))
	for nid := range records {
		nids = append(nids, nid)
	}
	sort.Ints(nids)
	return nids
}

// Rebalance 根据近期用量计算每个节点的新封顶。
// 纯函数：只读快照与参数，返回按NID的新封顶表。
func Rebalance(snap *cluster.Snapshot, params common.PowerParameters, now time.Time) map[int]uint32 {
	newCaps := make(map[int]uint32, len(snap.Records))
	recent := now.Add(-params.RecentJob)

	var allocPower, availPower uint32
	var raiseCnt, powerNeeded uint32
	var lowerCnt, holdCnt uint32

	nids := sortedNIDs(snap.Records)

	// 第一遍：下调供给过剩的节点，保留区间内的节点，登记待上调节点
	for _, nid := range nids {
		rec := snap.Records[nid]
		if !rec.Ready {
			// 非就绪节点保持原封顶，其瓦数仍计入已分配功率
			if rec.CapWatts == 0 {
				newCaps[nid] = rec.MaxWatts
			} else {
				newCaps[nid] = rec.CapWatts
			}
			allocPower += newCaps[nid]
			continue
		}
		if rec.CapWatts == 0 || rec.CurrentWatts == 0 {
			// 未初始化，参与剩余功率分配
			continue
		}

		current := uint64(rec.CurrentWatts)
		switch {
		case current < uint64(rec.CapWatts)*uint64(params.LowerThreshold)/100:
			// 下调幅度取 decrease_rate 与未用余量一半中的较小者
			halfHeadroom := (rec.CapWatts - rec.CurrentWatts) / 2
			rate := uint32(uint64(rec.MaxWatts-rec.MinWatts) * uint64(params.DecreaseRate) / 100)
			newCap := rec.CapWatts - min(rate, halfHeadroom)
			newCaps[nid] = max(newCap, rec.MinWatts)
			allocPower += newCaps[nid]
			lowerCnt++
		case current < uint64(rec.CapWatts)*uint64(params.UpperThreshold)/100:
			// 处于期望区间，保留原封顶
			newCaps[nid] = max(rec.CapWatts, rec.MinWatts)
			allocPower += newCaps[nid]
			holdCnt++
		default:
			// 节点需要更多功率；先以其下限预留
			raiseCnt++
			powerNeeded += rec.MinWatts
		}
	}

	if params.CapWatts > allocPower {
		availPower = params.CapWatts - allocPower
	}

	// 全局修正：已分配功率超出全局预算，或待上调节点的预留超出余量时，
	// 从每个下调/保留节点等额扣除缺口份额（以其下限为底）。
	// 已到下限的节点扣除为零，该遍可能修正不足，保持原行为。
	if (allocPower > params.CapWatts || powerNeeded > availPower) && lowerCnt+holdCnt > 0 {
		var shortfall1, shortfall2 uint32
		if allocPower > params.CapWatts {
			shortfall1 = allocPower - params.CapWatts
		}
		if powerNeeded > availPower {
			shortfall2 = powerNeeded - availPower
		}
		share := max(shortfall1, shortfall2) / (lowerCnt + holdCnt)

		for _, nid := range nids {
			rec := snap.Records[nid]
			if !rec.Ready || newCaps[nid] == 0 {
				continue
			}
			cut := min(newCaps[nid]-rec.MinWatts, share)
			newCaps[nid] -= cut
			allocPower -= cut
		}
		availPower = 0
		if params.CapWatts > allocPower {
			availPower = params.CapWatts - allocPower
		}
	}

	// 剩余预算在待上调节点间贪心均分：近期负载变化（或从未封顶）的节点
	// 立即拿到整份均额；稳态节点的上调被 increase_rate 节流以抑制振荡。
	// 每次赋值后重新均分剩余预算。
	if raiseCnt > 0 {
		avePower := availPower / raiseCnt
		for _, nid := range nids {
			rec := snap.Records[nid]
			if !rec.Ready || newCaps[nid] != 0 {
				continue
			}

			var newCap uint32
			if rec.JobStartedAt.IsZero() || rec.JobStartedAt.After(recent) ||
				rec.CapWatts == 0 {
				newCap = avePower
			} else {
				rate := uint32(uint64(rec.MaxWatts-rec.MinWatts) * uint64(params.IncreaseRate) / 100)
				newCap = min(rec.CapWatts+rate, avePower)
			}
			newCap = max(newCap, rec.MinWatts)
			newCap = min(newCap, rec.MaxWatts)
			newCaps[nid] = newCap

			if availPower > newCap {
				availPower -= newCap
			} else {
				availPower = 0
			}
			raiseCnt--
			if raiseCnt == 0 {
				break
			}
			if newCap != avePower {
				avePower = availPower / raiseCnt
			}
		}
	}

	// 终夹：就绪节点的新封顶一律落在 [min_watts, max_watts] 内
	for _, nid := range nids {
		rec := snap.Records[nid]
		if !rec.Ready || newCaps[nid] == 0 {
			continue
		}
		newCaps[nid] = min(max(newCaps[nid], rec.MinWatts), rec.MaxWatts)
	}

	return newCaps
}

// ClearCaps 封顶禁用（cap_watts=0）时的显式清除路径：
// 每个当前有封顶的就绪节点恢复到其硬件上限。
func ClearCaps(snap *cluster.Snapshot) map[int]uint32 {
	newCaps := make(map[int]uint32)
	for nid, rec := range snap.Records {
		if !rec.Ready || rec.CapWatts == 0 {
			continue
		}
		newCaps[nid] = rec.MaxWatts
	}
	return newCaps
}

// BuildInstructions 把新封顶表合并为指令：封顶有变化的就绪节点
// 按相同目标值与相同升/降方向归组，以减少工具调用次数。
func BuildInstructions(snap *cluster.Snapshot, newCaps map[int]uint32) []Instruction {
	type groupKey struct {
		watts    uint32
		increase bool
	}
	groups := make(map[groupKey][]int)

	for _, nid := range sortedNIDs(snap.Records) {
		rec := snap.Records[nid]
		newCap := newCaps[nid]
		if !rec.Ready || newCap == 0 || newCap == rec.CapWatts {
			continue
		}
		key := groupKey{watts: newCap, increase: rec.CapWatts < newCap}
		groups[key] = append(groups[key], nid)
	}

	instructions := make([]Instruction, 0, len(groups))
	for key, nids := range groups {
		instructions = append(instructions, Instruction{
			NIDs:     nids,
			NIDRange: capmc.CompressNIDs(nids),
			Watts:    key.watts,
			Increase: key.increase,
		})
	}
	sort.Slice(instructions, func(i, j int) bool {
		if instructions[i].Increase != instructions[j].Increase {
			return !instructions[i].Increase
		}
		if instructions[i].Watts != instructions[j].Watts {
			return instructions[i].Watts < instructions[j].Watts
		}
		return instructions[i].NIDs[0] < instructions[j].NIDs[0]
	})
	return instructions
}
