package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powcap/internal/capmc"
	"powcap/internal/cluster"
	"powcap/internal/common"
)

func newTestAgent(runner *fakeRunner, capWatts uint32, nids ...int) (*Agent, *cluster.State) {
	state := cluster.NewState()
	state.AddNodes(nids)
	params := common.DefaultPowerParameters()
	params.CapWatts = capWatts
	return NewAgent(state, runner, time.Second, params, nil), state
}

func TestAgentStartStopIdempotent(t *testing.T) {
	agent, _ := newTestAgent(newFakeRunner(), 1000, 1)
	agent.Start()

	done := make(chan struct{})
	go func() {
		agent.Stop()
		agent.Stop() // 重复Stop必须安全
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentReconfigure(t *testing.T) {
	agent, _ := newTestAgent(newFakeRunner(), 0, 1)

	agent.Reconfigure("cap_watts=2k,decrease_rate=30,job_level")

	params := agent.Params()
	assert.Equal(t, uint32(2000), params.CapWatts)
	assert.Equal(t, uint32(30), params.DecreaseRate)
	assert.Equal(t, common.JobLevelForce, params.JobLevelMode)
}

func TestAgentCycleEndToEnd(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["get_power_cap"] = `{"nids":[
		{"nid":1,"controls":[{"name":"node","val":300}]},
		{"nid":2,"controls":[{"name":"node","val":300}]}]}`
	runner.responses["get_power_cap_capabilities"] =
		`{"groups":[{"controls":[{"name":"node","min":100,"max":500}],"nids":[1,2]}]}`
	runner.responses["get_node_energy_counter"] = `{"nodes":[
		{"nid":1,"energy_ctr":1500,"time":"2015-02-19 00:00:20.000000-06"},
		{"nid":2,"energy_ctr":5800,"time":"2015-02-19 00:00:20.000000-06"}]}`
	runner.responses["node_status"] = `{"ready":[1,2]}`

	agent, state := newTestAgent(runner, 1000, 1, 2)
	// 基线能耗样本：下个样本得出节点1为50瓦、节点2为480瓦
	state.MergeEnergy([]capmc.ConfigEntry{
		{NIDs: []int{1}, JouleCounter: 1000, TimeUsec: 10_000_000},
		{NIDs: []int{2}, JouleCounter: 1000, TimeUsec: 10_000_000},
	})

	agent.runCycle(context.Background(), agent.Params(), time.Now())

	// 遥测全部按全节点范围读取
	require.NotEmpty(t, runner.calls)
	assert.Equal(t, []string{"get_power_cap", "--nids", "1-2"}, runner.calls[0])

	// 节点1远低于下阈值被下调到175，节点2高于上阈值拿到硬件上限500；
	// 下调必须先于上调发出
	require.Equal(t, []string{"175", "500"}, runner.setCapCalls())

	// 确认后的封顶已合并回注册表
	assert.Equal(t, uint32(175), state.LookupNode("nid00001").Power.CapWatts)
	assert.Equal(t, uint32(500), state.LookupNode("nid00002").Power.CapWatts)

	// 应用后注册表统计的总量反映确认后的封顶
	allocWatts, usedWatts := state.PowerTotals()
	assert.Equal(t, uint32(675), allocWatts)
	assert.Equal(t, uint32(530), usedWatts)
}

func TestAgentCycleClearsCapsWhenDisabled(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["get_power_cap"] =
		`{"nids":[{"nid":1,"controls":[{"name":"node","val":300}]}]}`
	runner.responses["get_power_cap_capabilities"] =
		`{"groups":[{"controls":[{"name":"node","min":100,"max":500}],"nids":[1]}]}`
	runner.responses["node_status"] = `{"ready":[1]}`

	// cap_watts=0：已封顶的就绪节点恢复到硬件上限
	agent, state := newTestAgent(runner, 0, 1)

	agent.runCycle(context.Background(), agent.Params(), time.Now())

	require.Equal(t, []string{"500"}, runner.setCapCalls())
	assert.Equal(t, uint32(500), state.LookupNode("nid00001").Power.CapWatts)
}

func TestAgentCycleNoNodes(t *testing.T) {
	runner := newFakeRunner()
	agent, _ := newTestAgent(runner, 1000)

	agent.runCycle(context.Background(), agent.Params(), time.Now())

	assert.Empty(t, runner.calls)
}
