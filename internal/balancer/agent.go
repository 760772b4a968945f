package balancer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"powcap/internal/capmc"
	"powcap/internal/cluster"
	"powcap/internal/common"
)

const (
	// baseTick 基础唤醒周期，保证对停机信号的响应性
	baseTick = 1 * time.Second
	// capabilitiesRefresh 硬件功率上下限的刷新间隔，这些值很少变化
	capabilitiesRefresh = 10 * time.Minute
	// joinTimeout Stop对循环goroutine的有界join
	joinTimeout = 30 * time.Second
)

// Agent 功率封顶控制循环的上下文对象：持有循环需要的全部状态，
// 启动时创建，停止时整体拆除，不依赖任何进程级单例。
// 一个Agent同一时刻最多只有一个周期在途。
type Agent struct {
	state       *cluster.State
	runner      capmc.Runner
	toolTimeout time.Duration
	publisher   *Publisher
	logger      *zap.Logger

	mu      sync.Mutex // 保护params与client，参数可在运行中重载
	params  common.PowerParameters
	client  *capmc.Client
	applier *Applier

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// 周期簿记，只在循环goroutine内访问
	fullNIDRange  string
	lastBalance   time.Time
	lastCapsRead  time.Time
	lastCapabRead time.Time
	lastCapWatts  uint32
	capWattsSeen  bool
}

// NewAgent 创建控制循环
func NewAgent(state *cluster.State, runner capmc.Runner, toolTimeout time.Duration,
	params common.PowerParameters, publisher *Publisher) *Agent {

	a := &Agent{
		state:       state,
		runner:      runner,
		toolTimeout: toolTimeout,
		publisher:   publisher,
		logger:      common.ComponentLogger("power-agent"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	a.setParams(params)
	return a
}

func (a *Agent) setParams(params common.PowerParameters) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = params
	if a.client == nil || a.client.Path() != params.CapmcPath {
		a.client = capmc.NewClient(params.CapmcPath, a.toolTimeout, a.runner)
		a.applier = NewApplier(a.client, a.state, a.publisher)
	}
	a.logger.Info("power parameters loaded", zap.String("parameters", params.String()))
}

// Params 返回当前生效参数的拷贝
func (a *Agent) Params() common.PowerParameters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

func (a *Agent) clientAndApplier() (*capmc.Client, *Applier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client, a.applier
}

// Reconfigure 重新解析功率参数串并热替换生效参数。
// 工具路径变化时重建客户端；变更在下一个周期生效。
func (a *Agent) Reconfigure(parameters string) {
	a.setParams(common.ParsePowerParameters(parameters))
}

// Start 启动循环goroutine
func (a *Agent) Start() {
	a.lastBalance = time.Now()
	go a.run()
}

// Stop 幂等地发出停止信号并有界join循环goroutine。
// 睡眠立即被唤醒；在途周期不会被打断，停止在下一个睡眠边界生效。
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	select {
	case <-a.doneCh:
	case <-time.After(joinTimeout):
		a.logger.Warn("power agent did not stop within join timeout")
	}
}

func (a *Agent) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(baseTick)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			a.logger.Info("power agent stopped")
			return
		case <-ticker.C:
		}

		now := time.Now()
		if now.Sub(a.lastBalance) < a.Params().BalanceInterval {
			continue
		}

		params := a.Params()
		// 封顶未启用且未发生变化时无事可做
		if a.capWattsSeen && a.lastCapWatts == params.CapWatts && params.CapWatts == 0 {
			continue
		}
		a.lastCapWatts = params.CapWatts
		a.capWattsSeen = true

		a.runCycle(context.Background(), params, now)
		a.lastBalance = time.Now()
	}
}

// runCycle 一个完整周期：遥测刷新 → 再平衡 → 应用。
// 任何一步失败都只中止该步并保留上次的有效状态，循环总能活到下个周期。
func (a *Agent) runCycle(ctx context.Context, params common.PowerParameters, now time.Time) {
	client, applier := a.clientAndApplier()
	nidRange := a.nidRange()
	if nidRange == "" {
		a.logger.Error("no nodes in cluster table")
		return
	}

	// 首个周期无条件读取当前封顶
	if a.lastCapsRead.IsZero() {
		if entries, err := client.GetCaps(ctx, nidRange); err == nil {
			a.state.MergeCaps(entries)
			a.lastCapsRead = now
		}
	}

	// 硬件上下限很少变化，最多每10分钟刷新一次
	if now.Sub(a.lastCapabRead) > capabilitiesRefresh {
		if entries, err := client.GetCapabilities(ctx); err == nil {
			a.state.MergeCapabilities(entries)
			a.lastCapabRead = now
		}
	}

	// 能耗计数器与就绪状态每个周期都刷新
	if entries, err := client.GetNodeEnergyCounter(ctx, nidRange); err == nil {
		a.state.MergeEnergy(entries)
	}
	if entries, err := client.GetNodesReady(ctx); err == nil {
		a.state.MergeReadiness(entries)
	}

	snap := a.state.TakeSnapshot()
	summary := Summarize(snap)
	a.logger.Debug("cluster power",
		zap.Uint32("alloc_watts", summary.AllocWatts),
		zap.Uint32("used_watts", summary.UsedWatts),
		zap.Float64("mean_watts", summary.MeanWatts),
		zap.Float64("max_watts", summary.MaxWatts),
		zap.Int("ready_nodes", summary.ReadyNodes))

	var newCaps map[int]uint32
	if params.CapWatts == 0 {
		newCaps = ClearCaps(snap)
	} else {
		newCaps = Rebalance(snap, params, now)
		LevelByJob(snap, newCaps, params.JobLevelMode, a.logger)
	}
	a.state.SetNewCaps(newCaps)
	a.logNodeCaps(snap, newCaps)

	applier.Apply(ctx, BuildInstructions(snap, newCaps))

	// 应用后快照中的封顶已过期，确认后的总量要从注册表读
	allocWatts, usedWatts := a.state.PowerTotals()
	a.logger.Debug("cluster power after apply",
		zap.Uint32("alloc_watts", allocWatts),
		zap.Uint32("used_watts", usedWatts))
}

// nidRange 懒构建覆盖全部节点的压缩NID范围串
func (a *Agent) nidRange() string {
	if a.fullNIDRange == "" {
		a.fullNIDRange = capmc.CompressNIDs(a.state.NIDs())
	}
	return a.fullNIDRange
}

func (a *Agent) logNodeCaps(snap *cluster.Snapshot, newCaps map[int]uint32) {
	if !a.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for _, nid := range sortedNIDs(snap.Records) {
		rec := snap.Records[nid]
		a.logger.Debug("node power state",
			zap.String("node", capmc.FormatNID(nid)),
			zap.Uint32("cur_watts", rec.CurrentWatts),
			zap.Uint32("min_watts", rec.MinWatts),
			zap.Uint32("max_watts", rec.MaxWatts),
			zap.Uint32("old_cap", rec.CapWatts),
			zap.Uint32("new_cap", newCaps[nid]),
			zap.Bool("ready", rec.Ready))
	}
}
