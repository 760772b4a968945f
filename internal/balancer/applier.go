package balancer

import (
	"context"

	"go.uber.org/zap"

	"powcap/internal/capmc"
	"powcap/internal/cluster"
	"powcap/internal/common"
)

// Applier 把封顶指令分两遍推送到外部工具：先全部下调，再全部上调，
// 保证过渡期间在途封顶之和不会超过全局预算。
type Applier struct {
	client    *capmc.Client
	state     *cluster.State
	publisher *Publisher
	logger    *zap.Logger
}

// NewApplier 创建封顶应用器。publisher可为nil。
func NewApplier(client *capmc.Client, state *cluster.State, publisher *Publisher) *Applier {
	return &Applier{
		client:    client,
		state:     state,
		publisher: publisher,
		logger:    common.ComponentLogger("cap-applier"),
	}
}

// Apply 执行两遍应用。下调失败会放弃本周期剩余的全部指令（宁可留在
// 预算之下）；单条上调失败只跳过该指令，其余上调继续。
// 成功的指令把确认后的封顶合并回注册表并发布事件。
func (a *Applier) Apply(ctx context.Context, instructions []Instruction) {
	// 第一遍：下调
	for _, ins := range instructions {
		if ins.Increase {
			continue
		}
		if err := a.applyOne(ctx, ins); err != nil {
			a.logger.Error("cap decrease failed, aborting apply cycle",
				zap.String("nids", ins.NIDRange),
				zap.Uint32("watts", ins.Watts),
				zap.Error(err))
			return
		}
	}

	// 第二遍：上调
	for _, ins := range instructions {
		if !ins.Increase {
			continue
		}
		if err := a.applyOne(ctx, ins); err != nil {
			a.logger.Error("cap increase failed, skipping instruction",
				zap.String("nids", ins.NIDRange),
				zap.Uint32("watts", ins.Watts),
				zap.Error(err))
		}
	}
}

func (a *Applier) applyOne(ctx context.Context, ins Instruction) error {
	if err := a.client.SetPowerCap(ctx, ins.NIDRange, ins.Watts); err != nil {
		return err
	}
	a.state.ConfirmCaps(ins.NIDs, ins.Watts)
	a.logger.Info("power cap applied",
		zap.String("nids", ins.NIDRange),
		zap.Uint32("watts", ins.Watts),
		zap.Bool("increase", ins.Increase))
	a.publisher.PublishCapChange(ctx, ins)
	return nil
}
