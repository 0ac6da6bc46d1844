// Package daemon assembles the gateway: configuration, devices, the
// pubsub pipeline, evaluators, storage, the sender, and the admin API,
// and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"talos"
	"talos/alert"
	"talos/api"
	"talos/condition"
	"talos/config"
	"talos/control"
	"talos/health"
	"talos/internal/logging"
	"talos/internal/pubsub"
	"talos/internal/registry"
	"talos/monitor"
	"talos/sender"
	"talos/store"

	"golang.org/x/sync/errgroup"
)

// Options locate the configuration directory.
type Options struct {
	ConfigDir string
}

// Run starts the gateway and blocks until ctx is done or a fatal init
// error occurs.
func Run(ctx context.Context, opts Options) error {
	dir := opts.ConfigDir
	if dir == "" {
		dir = "/etc/talos"
	}

	sys, err := config.LoadSystem(filepath.Join(dir, "system_config.yml"))
	if err != nil {
		return err
	}
	if err := logging.Configure(sys.LogLevel); err != nil {
		return err
	}
	slog.Info("gateway starting", "gateway_id", sys.GatewayID)

	mf, err := config.LoadModbusDevices(filepath.Join(dir, "modbus_device.yml"))
	if err != nil {
		return err
	}
	inst, err := config.LoadInstances(filepath.Join(dir, "device_instance_config.yml"))
	if err != nil {
		return err
	}
	rt, err := config.BuildRuntime(dir, mf, inst)
	if err != nil {
		return err
	}
	defer rt.Close()

	monCfg := sys.MonitorConfig()
	hm := health.NewManager(health.CalculateParams(monCfg.Interval), nil)

	bus := pubsub.New()
	defer bus.Close()
	bus.SetTopicPolicy(talos.TopicDeviceSnapshot, pubsub.Policy{Capacity: 256, OnOverflow: pubsub.DropOldest})
	bus.SetTopicPolicy(talos.TopicAlertWarning, pubsub.Policy{Capacity: 128, OnOverflow: pubsub.DropOldest})
	bus.SetTopicPolicy(talos.TopicControl, pubsub.Policy{Capacity: 128, OnOverflow: pubsub.BlockProducer})

	storageFile, err := config.LoadStorage(filepath.Join(dir, "snapshot_storage.yml"))
	if err != nil {
		return err
	}
	st, err := store.Open(storageFile.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	eval := condition.NewEvaluator(st, nil)

	alertFile, err := config.LoadAlerts(filepath.Join(dir, "alert_condition.yml"))
	if err != nil {
		return err
	}
	alertRules := alertFile.AlertRuleTable(mf.Devices)
	alertMgr := alert.NewManager(nil)

	notifierFile, err := config.LoadNotifiers(filepath.Join(dir, "notifier_config.yml"))
	if err != nil {
		return err
	}
	router, err := notifierFile.BuildRouter()
	if err != nil {
		return err
	}

	controlFile, err := config.LoadControls(filepath.Join(dir, "control_condition.yml"))
	if err != nil {
		return err
	}
	controlRules := controlFile.ControlRuleTable(mf.Devices)
	timeFile, err := config.LoadTimeConditions(filepath.Join(dir, "time_condition.yml"))
	if err != nil {
		return err
	}
	timeFile.ApplyTo(controlRules)

	senderFile, err := config.LoadSender(filepath.Join(dir, "sender_config.yml"))
	if err != nil {
		return err
	}
	converter := sender.NewConverter(sys.GatewayID, senderFile.DeviceIndexes, senderFile.FieldMaps)
	snd, err := sender.New(senderFile.SenderConfig(), bus, converter, nil)
	if err != nil {
		return err
	}

	executor := control.NewExecutor(bus, rt.DeviceMap, hm)
	applyInitialization(rt)

	reg := registry.New()
	runners := map[string]registry.Runner{
		"store_writer":     store.NewWriter(bus, st).Run,
		"alert_evaluator":  alert.NewRunner(bus, alertRules, eval, alertMgr).Run,
		"alert_dispatcher": alert.NewDispatcher(bus, router).Run,
		"control_runner":   control.NewRunner(bus, control.NewEvaluator(controlRules, eval)).Run,
		"control_executor": executor.Run,
	}
	for _, name := range []string{"store_writer", "alert_evaluator", "alert_dispatcher", "control_runner", "control_executor"} {
		if err := reg.Register(name, runners[name]); err != nil {
			return err
		}
	}
	reg.StartEnabled(ctx, sys.Subscribers)
	defer reg.StopAll()

	mon := monitor.New(monCfg, bus, rt.Devices, sys.VirtualDevices, hm, nil)
	cleaner := store.NewCleaner(st, storageFile.RetentionConfig())
	drift := sender.NewDriftChecker(senderFile.NTPPool,
		secsDuration(senderFile.NTPIntervalSec), secsDuration(senderFile.NTPThresholdSec), nil)
	admin := api.New(api.Config{
		Listen:        sys.AdminListen,
		AdminKey:      sys.AdminKey,
		RetentionDays: storageFile.RetentionDays,
	}, sys.GatewayID, hm, alertMgr, st, snd)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return snd.Run(gctx) })
	g.Go(func() error { return cleaner.Run(gctx) })
	g.Go(func() error { return drift.Run(gctx) })
	g.Go(func() error { return admin.Run(gctx) })
	g.Go(func() error { bus.RunDropMetrics(gctx); return gctx.Err() })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		slog.Info("gateway stopped")
		return nil
	}
	return err
}

// applyInitialization performs the configured startup writes. Failures
// are logged; a device that is down at boot gets its values when the
// control path next touches it.
func applyInitialization(rt *config.Runtime) {
	for id, writes := range rt.Initialization {
		dev, ok := rt.DeviceMap[id]
		if !ok {
			continue
		}
		for param, value := range writes {
			if err := dev.WriteValue(param, value); err != nil {
				slog.Warn("initialization write failed",
					"device", id, "param", param, "value", value, "err", err)
			}
		}
	}
}

func secsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
