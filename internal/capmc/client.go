package capmc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"powcap/internal/common"
)

// Client capmc外部工具客户端。所有调用都是同步的并携带固定超时；
// 调用发生在任何集群锁之外。
type Client struct {
	path    string
	timeout time.Duration
	runner  Runner
	logger  *zap.Logger
}

// NewClient 创建capmc客户端
func NewClient(path string, timeout time.Duration, runner Runner) *Client {
	return &Client{
		path:    path,
		timeout: timeout,
		runner:  runner,
		logger:  common.ComponentLogger("capmc"),
	}
}

// Path 返回工具路径
func (c *Client) Path() string {
	return c.path
}

// GetCapabilities 查询每个节点的硬件功率上下限
func (c *Client) GetCapabilities(ctx context.Context) ([]ConfigEntry, error) {
	resp, err := c.query(ctx, "get_power_cap_capabilities")
	if err != nil {
		return nil, err
	}
	return DecodeCapabilities(resp)
}

// GetCaps 查询指定节点当前生效的功率封顶
func (c *Client) GetCaps(ctx context.Context, nids string) ([]ConfigEntry, error) {
	resp, err := c.query(ctx, "get_power_cap", "--nids", nids)
	if err != nil {
		return nil, err
	}
	return DecodeCaps(resp)
}

// GetNodesReady 查询处于就绪状态的节点。只有就绪节点才允许修改封顶。
func (c *Client) GetNodesReady(ctx context.Context) ([]ConfigEntry, error) {
	resp, err := c.query(ctx, "node_status")
	if err != nil {
		return nil, err
	}
	return DecodeReadiness(resp)
}

// GetNodeEnergyCounter 查询指定节点的累计能耗计数器
func (c *Client) GetNodeEnergyCounter(ctx context.Context, nids string) ([]ConfigEntry, error) {
	resp, err := c.query(ctx, "get_node_energy_counter", "--nids", nids)
	if err != nil {
		return nil, err
	}
	return DecodeEnergy(resp)
}

// SetPowerCap 为一组节点设置节点级功率封顶
func (c *Client) SetPowerCap(ctx context.Context, nids string, watts uint32) error {
	_, err := c.run(ctx, "set_power_cap", "--nids", nids,
		"--node", strconv.FormatUint(uint64(watts), 10), "--accel", "0")
	return err
}

// query 执行一次查询调用。空输出对查询是错误：调用方必须保留先前状态
func (c *Client) query(ctx context.Context, args ...string) ([]byte, error) {
	resp, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		c.logger.Error("capmc returned no data", zap.String("subcommand", args[0]))
		return nil, fmt.Errorf("%w: %s", common.ErrEmptyResponse, args[0])
	}
	return resp, nil
}

// run 执行一次工具调用并记录耗时。解码失败与非零退出都只中止本次调用。
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.runner.Run(tctx, "capmc", c.path, args)
	if err != nil {
		c.logger.Error("capmc invocation failed",
			zap.String("subcommand", args[0]),
			zap.Error(err))
		return nil, err
	}

	c.logger.Debug("capmc invocation finished",
		zap.String("subcommand", args[0]),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}
