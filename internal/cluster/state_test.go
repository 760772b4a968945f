package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powcap/internal/capmc"
	"powcap/internal/common"
)

func newTestState(nids ...int) *State {
	s := NewState()
	s.AddNodes(nids)
	return s
}

func TestAddNodesAndLookup(t *testing.T) {
	s := newTestState(1, 2, 7)

	node := s.LookupNode("nid00007")
	require.NotNil(t, node)
	assert.Equal(t, 7, node.NID)
	assert.Nil(t, node.Power) // 功率记录延迟分配

	assert.Nil(t, s.LookupNode("nid00099"))
	assert.Equal(t, []int{1, 2, 7}, s.NIDs())
}

func TestMergeCapabilitiesFansOut(t *testing.T) {
	s := newTestState(1, 2, 3)

	s.MergeCapabilities([]capmc.ConfigEntry{{
		NodeMinWatts:  100,
		NodeMaxWatts:  500,
		AccelMinWatts: 20,
		AccelMaxWatts: 80,
		NIDs:          []int{1, 2},
	}})

	for _, name := range []string{"nid00001", "nid00002"} {
		power := s.LookupNode(name).Power
		require.NotNil(t, power)
		assert.Equal(t, uint32(100), power.MinWatts)
		assert.Equal(t, uint32(500), power.MaxWatts)
		assert.Equal(t, uint32(80), power.AccelMaxWatts)
	}
	assert.Nil(t, s.LookupNode("nid00003").Power)
}

func TestMergeCapsUnknownNodeSkipped(t *testing.T) {
	s := newTestState(1)

	// 未注册节点静默跳过，不是错误
	s.MergeCaps([]capmc.ConfigEntry{
		{CapWatts: 300, NIDs: []int{1}},
		{CapWatts: 400, NIDs: []int{42}},
	})

	assert.Equal(t, uint32(300), s.LookupNode("nid00001").Power.CapWatts)
}

func TestMergeReadinessResetsUnlisted(t *testing.T) {
	s := newTestState(1, 2, 3)

	// 节点3先就绪
	s.MergeReadiness([]capmc.ConfigEntry{{Ready: true, NIDs: []int{1, 2, 3}}})
	require.True(t, s.LookupNode("nid00003").Power.Ready)

	// 新列表只含 [1,2]，节点3必须回到非就绪
	s.MergeReadiness([]capmc.ConfigEntry{{Ready: true, NIDs: []int{1, 2}}})

	assert.True(t, s.LookupNode("nid00001").Power.Ready)
	assert.True(t, s.LookupNode("nid00002").Power.Ready)
	assert.False(t, s.LookupNode("nid00003").Power.Ready)
}

func TestMergeEnergyDerivesWatts(t *testing.T) {
	s := newTestState(1)

	// 第一个样本只记录基线，不产生功率值
	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 1000, TimeUsec: 10_000_000}})
	assert.Zero(t, s.LookupNode("nid00001").Power.CurrentWatts)

	// 10秒后计数器增加500焦耳 → 50瓦
	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 1500, TimeUsec: 20_000_000}})
	assert.Equal(t, uint32(50), s.LookupNode("nid00001").Power.CurrentWatts)
}

func TestMergeEnergyMidnightRollover(t *testing.T) {
	s := newTestState(1)
	const usecsDay = 24 * 60 * 60 * 1000000

	// 前一样本在午夜前10秒，新样本在午夜后10秒
	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 1000, TimeUsec: usecsDay - 10_000_000}})
	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 2000, TimeUsec: 10_000_000}})

	// Δt=20s, ΔJ=1000J → 50瓦
	assert.Equal(t, uint32(50), s.LookupNode("nid00001").Power.CurrentWatts)
}

func TestMergeEnergyCounterResetYieldsZero(t *testing.T) {
	s := newTestState(1)

	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 5000, TimeUsec: 10_000_000}})
	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 100, TimeUsec: 20_000_000}})

	// 计数器回退不得产生负值或垃圾，功率保持为零
	power := s.LookupNode("nid00001").Power
	assert.Zero(t, power.CurrentWatts)
	assert.Equal(t, uint64(100), power.JouleCounter)
}

func TestMergeEnergyZeroTimestampIgnored(t *testing.T) {
	s := newTestState(1)

	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 1000, TimeUsec: 10_000_000}})
	// 时间戳解析失败取零，视为"无新样本"
	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 2000, TimeUsec: 0}})

	assert.Zero(t, s.LookupNode("nid00001").Power.CurrentWatts)
}

func TestConfirmCaps(t *testing.T) {
	s := newTestState(1, 2)

	s.ConfirmCaps([]int{1, 2}, 420)

	assert.Equal(t, uint32(420), s.LookupNode("nid00001").Power.CapWatts)
	assert.Equal(t, uint32(420), s.LookupNode("nid00002").Power.CapWatts)
}

func TestAddJobUnknownNodeRejected(t *testing.T) {
	s := newTestState(1, 2)

	err := s.AddJob(&Job{ID: 7, NIDs: []int{1, 42}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnknownNode))
	assert.Empty(t, s.TakeSnapshot().Jobs)
}

func TestRemoveJob(t *testing.T) {
	s := newTestState(1, 2)
	require.NoError(t, s.AddJob(&Job{ID: 9, NIDs: []int{1, 2}, Running: true}))
	require.Len(t, s.TakeSnapshot().Jobs, 1)

	s.RemoveJob(9)

	assert.Empty(t, s.TakeSnapshot().Jobs)
}

func TestNoteJobStartStampsNodes(t *testing.T) {
	s := newTestState(1, 2, 3)
	require.NoError(t, s.AddJob(&Job{ID: 100, NIDs: []int{1, 2}}))

	before := time.Now()
	s.NoteJobStart(100)

	for _, name := range []string{"nid00001", "nid00002"} {
		power := s.LookupNode(name).Power
		require.NotNil(t, power)
		assert.False(t, power.JobStartedAt.Before(before))
	}
	assert.Nil(t, s.LookupNode("nid00003").Power)
}

func TestTakeSnapshotCopiesRecords(t *testing.T) {
	s := newTestState(1, 2)
	s.MergeCaps([]capmc.ConfigEntry{{CapWatts: 300, NIDs: []int{1}}})
	require.NoError(t, s.AddJob(&Job{ID: 5, NIDs: []int{1, 2}, Running: true, LevelPower: true}))

	snap := s.TakeSnapshot()

	// 只包含已分配功率记录的节点
	require.Len(t, snap.Records, 1)
	assert.Equal(t, uint32(300), snap.Records[1].CapWatts)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, uint32(5), snap.Jobs[0].ID)

	// 快照是值拷贝，后续突变不可见
	s.ConfirmCaps([]int{1}, 999)
	assert.Equal(t, uint32(300), snap.Records[1].CapWatts)
}

func TestPowerTotals(t *testing.T) {
	s := newTestState(1, 2)
	s.MergeCaps([]capmc.ConfigEntry{
		{CapWatts: 300, NIDs: []int{1}},
		{CapWatts: 200, NIDs: []int{2}},
	})
	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 1000, TimeUsec: 10_000_000}})
	s.MergeEnergy([]capmc.ConfigEntry{{NIDs: []int{1}, JouleCounter: 1500, TimeUsec: 20_000_000}})

	alloc, used := s.PowerTotals()

	assert.Equal(t, uint32(500), alloc)
	assert.Equal(t, uint32(50), used)
}
