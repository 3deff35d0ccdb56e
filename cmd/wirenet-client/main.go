// wirenet-client dials a channel endpoint, sends a message, and prints
// whatever comes back. Useful against wirenet-echo.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"wirenet/pkg/netstack"
	"wirenet/pkg/node"
)

func main() {
	addr := flag.String("addr", "tcp://127.0.0.1:6000", "address to connect to (scheme://host:port)")
	channelName := flag.String("channel", "echo", "channel name")
	msg := flag.String("message", "hello wirenet", "message to send")
	wait := flag.Duration("wait", 3*time.Second, "how long to wait for a reply")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	stack := netstack.New(netstack.Options{
		ReconnectDelay:      time.Second,
		ReconnectMaxRetries: 3,
	})
	defer stack.Close()

	if _, err := stack.Connect(*channelName, *addr); err != nil {
		zap.L().Error("connect failed", zap.Error(err))
		os.Exit(1)
	}

	deadline := time.Now().Add(*wait)
	sent := false
	for time.Now().Before(deadline) {
		stack.Poll()
		for {
			ev, ok := stack.TryEvent()
			if !ok {
				break
			}
			if ev.Event.Type == node.EventConnected && !sent {
				if err := stack.Send(*channelName, []byte(*msg)); err != nil {
					zap.L().Error("send failed", zap.Error(err))
				} else {
					sent = true
				}
			}
			if ev.Event.Type == node.EventError {
				zap.L().Warn("node error", zap.Error(ev.Event.Err))
			}
		}
		if p, ok := stack.TryRecv(*channelName); ok {
			fmt.Printf("reply from %s: %s\n", p.Addr, string(p.Bytes))
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	zap.L().Warn("no reply before deadline")
	os.Exit(1)
}
