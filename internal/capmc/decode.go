package capmc

import (
	"encoding/json"
	"fmt"

	"powcap/internal/common"
)

// ConfigEntry 一次解码得到的一组节点的功率记录。
// 同组内的每个NID共享完全相同的取值。
type ConfigEntry struct {
	AccelMaxWatts uint32
	AccelMinWatts uint32
	CapWatts      uint32
	JouleCounter  uint64
	NodeMaxWatts  uint32
	NodeMinWatts  uint32
	NIDs          []int
	Ready         bool
	TimeUsec      uint64 // 当天零点以来的微秒数
}

// control 响应中 "controls" 数组的元素。
// 未知字段被忽略，保证对新版工具的前向兼容。
type control struct {
	Name string `json:"name"`
	Min  uint32 `json:"min"`
	Max  uint32 `json:"max"`
	Val  uint32 `json:"val"`
}

type capabilitiesResponse struct {
	Groups []struct {
		Controls []control `json:"controls"`
		NIDs     []int     `json:"nids"`
	} `json:"groups"`
}

type capsResponse struct {
	NIDs []struct {
		Controls []control `json:"controls"`
		NID      int       `json:"nid"`
	} `json:"nids"`
}

type readinessResponse struct {
	Ready []int `json:"ready"`
}

type energyResponse struct {
	Nodes []struct {
		NID       int    `json:"nid"`
		EnergyCtr uint64 `json:"energy_ctr"`
		Time      string `json:"time"`
	} `json:"nodes"`
}

// DecodeCapabilities 解码 "get_power_cap_capabilities" 响应（按 "groups" 键）。
// 每组的节点级与加速器级功率上下限扇出到该组 "nids" 列表中的全部节点。
// 顶层键缺失时返回零条目，不视为错误；"e" 和 "err_msg" 字段被忽略。
func DecodeCapabilities(data []byte) ([]ConfigEntry, error) {
	var resp capabilitiesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}

	entries := make([]ConfigEntry, 0, len(resp.Groups))
	for _, group := range resp.Groups {
		ent := ConfigEntry{NIDs: group.NIDs}
		for _, ctl := range group.Controls {
			switch ctl.Name {
			case "accel":
				ent.AccelMinWatts = ctl.Min
				ent.AccelMaxWatts = ctl.Max
			case "node":
				ent.NodeMinWatts = ctl.Min
				ent.NodeMaxWatts = ctl.Max
			}
		}
		entries = append(entries, ent)
	}
	return entries, nil
}

// DecodeCaps 解码 "get_power_cap" 响应（按 "nids" 键），每条目对应一个节点的当前封顶
func DecodeCaps(data []byte) ([]ConfigEntry, error) {
	var resp capsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}

	entries := make([]ConfigEntry, 0, len(resp.NIDs))
	for _, node := range resp.NIDs {
		ent := ConfigEntry{NIDs: []int{node.NID}}
		for _, ctl := range node.Controls {
			if ctl.Name == "node" {
				ent.CapWatts = ctl.Val
			}
		}
		entries = append(entries, ent)
	}
	return entries, nil
}

// DecodeReadiness 解码 "node_status" 响应（按 "ready" 键）。
// 调用方必须先把全表节点重置为非就绪再套用该列表；"off"、"on" 等其他状态键被忽略。
func DecodeReadiness(data []byte) ([]ConfigEntry, error) {
	var resp readinessResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}

	if len(resp.Ready) == 0 {
		return nil, nil
	}
	return []ConfigEntry{{Ready: true, NIDs: resp.Ready}}, nil
}

// DecodeEnergy 解码 "get_node_energy_counter" 响应（按 "nodes" 键）。
// 时间戳只保留当天的时刻部分；格式不符时取零，视为"无新样本"而非错误。
func DecodeEnergy(data []byte) ([]ConfigEntry, error) {
	var resp energyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
	}

	entries := make([]ConfigEntry, 0, len(resp.Nodes))
	for _, node := range resp.Nodes {
		entries = append(entries, ConfigEntry{
			NIDs:         []int{node.NID},
			JouleCounter: node.EnergyCtr,
			TimeUsec:     ParseTimeOfDayUsec(node.Time),
		})
	}
	return entries, nil
}

// ParseTimeOfDayUsec 将 "2015-02-19 15:50:00.581552-06" 形式的时间戳转换为
// 当天零点以来的微秒数。日期与时区部分被丢弃；成功匹配的字段不足6个时返回0。
func ParseTimeOfDayUsec(timeStr string) uint64 {
	var year, month, day, hour, min, sec, usec, zone int

	n, _ := fmt.Sscanf(timeStr, "%d-%d-%d %d:%d:%d.%d-%d",
		&year, &month, &day, &hour, &min, &sec, &usec, &zone)
	if n < 6 {
		return 0
	}

	total := uint64(((hour*60)+min)*60 + sec)
	total *= 1000000
	total += uint64(usec)
	return total
}
