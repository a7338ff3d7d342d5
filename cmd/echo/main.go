// Command echo boots a two-tile machine and runs an echo server and client
// over the simulated fabric: the server publishes a named receive gate, the
// client sends through it and waits for the replies.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TileOS/runtime/internal/com"
	"github.com/GriffinCanCode/TileOS/runtime/internal/platform"
	"github.com/GriffinCanCode/TileOS/runtime/internal/tcu"
)

const rounds = 4

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "echo:", err)
		os.Exit(1)
	}
}

func run() error {
	m, err := platform.Boot(platform.LoadOrDefault())
	if err != nil {
		return err
	}
	defer m.Shutdown()

	m.Kernel.NewNamedRGate("echo", 10, 8)

	server, err := m.AddActivity("echo-server", nil, nil)
	if err != nil {
		return err
	}
	client, err := m.AddActivity("echo-client", nil, nil)
	if err != nil {
		return err
	}

	ready := make(chan error, 1)
	go func() {
		rgate, err := com.NewNamedRecvGate(server.Ctx(), server.ResMng(), "echo")
		if err != nil {
			ready <- err
			return
		}
		if err := rgate.Activate(); err != nil {
			ready <- err
			return
		}
		ready <- nil

		served := 0
		loop := server.WorkLoop()
		if err := rgate.Start(loop, func(g *com.RecvGate, msg *tcu.Message) {
			if err := g.Reply(msg, msg.Data); err != nil {
				m.Log.Warn("echo reply failed", zap.Error(err))
			}
			served++
			if served == rounds {
				g.Stop()
			}
		}); err != nil {
			m.Log.Error("server start failed", zap.Error(err))
			return
		}
		loop.Run()
		rgate.Close()
		server.Exit(0)
	}()
	if err := <-ready; err != nil {
		return err
	}

	sgate, err := com.NewNamedSendGate(client.Ctx(), client.ResMng(), "echo")
	if err != nil {
		return err
	}
	for i := 0; i < rounds; i++ {
		payload := fmt.Sprintf("ping %d", i)
		reply, err := sgate.Call([]byte(payload), client.DefaultGate())
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", payload, reply.Data)
		if err := client.DefaultGate().Ack(reply); err != nil {
			return err
		}
	}
	sgate.Close()
	client.Exit(0)
	server.Proc.Wait()
	return nil
}
