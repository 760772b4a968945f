package capmc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powcap/internal/common"
)

// fakeRunner 模拟外部工具执行器，按子命令记录调用并返回脚本化响应
type fakeRunner struct {
	responses map[string]string
	errs      map[string]error
	calls     [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		errs:      make(map[string]error),
	}
}

func (r *fakeRunner) Run(_ context.Context, _, _ string, args []string) ([]byte, error) {
	r.calls = append(r.calls, args)
	subcommand := args[0]
	if err := r.errs[subcommand]; err != nil {
		return nil, err
	}
	return []byte(r.responses[subcommand]), nil
}

func TestClientGetCaps(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["get_power_cap"] =
		`{"nids":[{"nid":1,"controls":[{"name":"node","val":300}]}]}`
	client := NewClient("/fake/capmc", time.Second, runner)

	entries, err := client.GetCaps(context.Background(), "1-4")

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(300), entries[0].CapWatts)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"get_power_cap", "--nids", "1-4"}, runner.calls[0])
}

func TestClientGetCapabilities(t *testing.T) {
	runner := newFakeRunner()
	runner.responses["get_power_cap_capabilities"] =
		`{"groups":[{"controls":[{"name":"node","min":100,"max":500}],"nids":[1,2]}]}`
	client := NewClient("/fake/capmc", time.Second, runner)

	entries, err := client.GetCapabilities(context.Background())

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"get_power_cap_capabilities"}, runner.calls[0])
}

func TestClientSetPowerCap(t *testing.T) {
	runner := newFakeRunner()
	client := NewClient("/fake/capmc", time.Second, runner)

	err := client.SetPowerCap(context.Background(), "3-5,9", 450)

	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t,
		[]string{"set_power_cap", "--nids", "3-5,9", "--node", "450", "--accel", "0"},
		runner.calls[0])
}

func TestClientToolErrorPropagates(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["node_status"] = common.NewToolError("node_status", 1, "capmc failed", nil)
	client := NewClient("/fake/capmc", time.Second, runner)

	_, err := client.GetNodesReady(context.Background())

	require.Error(t, err)
	var toolErr *common.ToolError
	assert.True(t, errors.As(err, &toolErr))
	assert.Equal(t, 1, toolErr.ExitStatus)
}

func TestClientEmptyOutputIsError(t *testing.T) {
	// 查询返回空输出视为错误，调用方必须保留先前状态
	runner := newFakeRunner()
	client := NewClient("/fake/capmc", time.Second, runner)

	entries, err := client.GetNodeEnergyCounter(context.Background(), "1-4")

	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrEmptyResponse))
	assert.Empty(t, entries)
}

func TestClientSetPowerCapEmptyOutputOK(t *testing.T) {
	// 设置封顶成功时工具不产生输出
	runner := newFakeRunner()
	client := NewClient("/fake/capmc", time.Second, runner)

	assert.NoError(t, client.SetPowerCap(context.Background(), "1", 300))
}
