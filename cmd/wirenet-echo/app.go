package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wirenet/pkg/config"
	"wirenet/pkg/netstack"
	"wirenet/pkg/node"
	"wirenet/pkg/observability"
)

// run is the main entry point after CLI parsing. It brings up the
// channels from config (plus the -listen flag) and echoes every inbound
// packet back to its source.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("wirenet-echo started", zap.String("app", cfg.AppName))

	stack := netstack.New(netstack.FromConfig(cfg.Node))
	defer stack.Close()

	if _, err := stack.Listen(opts.Channel, opts.Listen); err != nil {
		zap.L().Error("listen failed", zap.String("addr", opts.Listen), zap.Error(err))
		return 1
	}
	for _, ch := range cfg.Channels {
		if err := bringUp(stack, ch); err != nil {
			zap.L().Error("channel setup failed", zap.String("channel", ch.Name), zap.Error(err))
			return 1
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-sig:
			zap.L().Info("shutting down")
			return 0
		case <-tick.C:
			stack.Poll()
			for {
				ev, ok := stack.TryEvent()
				if !ok {
					break
				}
				logEvent(ev.Node, ev.Event)
			}
			for {
				p, ok := stack.TryRecv(opts.Channel)
				if !ok {
					break
				}
				if p.Addr != "" {
					_ = stack.SendTo(opts.Channel, p.Bytes, p.Addr)
				} else {
					stack.Broadcast(opts.Channel, p.Bytes)
				}
			}
		}
	}
}

func bringUp(stack *netstack.Stack, ch config.ChannelConfig) error {
	opts := node.Options{Broadcast: ch.Broadcast}
	if ch.MulticastV4 != "" {
		ip := net.ParseIP(ch.MulticastV4)
		if ip == nil {
			return fmt.Errorf("channel %q: bad multicast_v4 %q", ch.Name, ch.MulticastV4)
		}
		opts.MulticastV4 = &node.MulticastV4{Group: ip, Interface: ch.Interface}
	}
	if ch.MulticastV6 != "" {
		ip := net.ParseIP(ch.MulticastV6)
		if ip == nil {
			return fmt.Errorf("channel %q: bad multicast_v6 %q", ch.Name, ch.MulticastV6)
		}
		opts.MulticastV6 = &node.MulticastV6{Group: ip, Interface: ch.Interface}
	}
	for _, addr := range ch.Listen {
		if _, err := stack.ListenWith(ch.Name, addr, opts); err != nil {
			return err
		}
	}
	for _, addr := range ch.Connect {
		if _, err := stack.ConnectWith(ch.Name, addr, opts); err != nil {
			return err
		}
	}
	return nil
}

func logEvent(n *node.Node, ev node.Event) {
	fields := []zap.Field{
		zap.Uint64("node", n.ID()),
		zap.String("channel", n.Channel()),
		zap.String("role", n.Role().String()),
	}
	if ev.Type == node.EventError {
		zap.L().Warn("node error", append(fields, zap.Error(ev.Err))...)
		return
	}
	zap.L().Info(ev.Type.String(), fields...)
}
