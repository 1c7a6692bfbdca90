/*
File Name:  main.go
Copyright:  2024 Fluxon Contributors

fluxond is the composition-root CLI (C0), mirroring the teacher's
Peernet.go / Network Init.go wiring in miniature: load config, bring up an
Identity/Group/Relay/Store/Repository stack, start it. The BLE driver
itself is out of scope (spec §1), so every command here wires a
loopback/in-memory Transport, the same role mobile/mobile.go plays for a
real host binary.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	core "github.com/fluxonapp/core"
	"github.com/fluxonapp/core/group"
	"github.com/fluxonapp/core/identity"
	"github.com/fluxonapp/core/repository"
	"github.com/fluxonapp/core/transport"
)

func main() {
	app := &cli.App{
		Name:  "fluxond",
		Usage: "FluxonApp mesh-messaging node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "fluxond.yaml", Usage: "path to the YAML config file"},
		},
		Commands: []*cli.Command{
			runCommand,
			demoCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fluxond:", err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start a single node against an isolated in-memory transport and print inbound events",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "display-name", Value: "", Usage: "overrides the configured display name"},
	},
	Action: func(c *cli.Context) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		hub := transport.NewLoopbackHub()
		keystore := transport.NewMemoryKeystore()
		tr, err := joinWithFreshIdentity(hub, keystore)
		if err != nil {
			return err
		}

		backend, _, err := core.Init(ctx, c.String("config"), keystore, tr, nil, nil, &core.Filters{
			LogError: func(function, format string, v ...interface{}) {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", function, fmt.Sprintf(format, v...))
			},
			ChatReceived: func(msg repository.ChatMessage) {
				fmt.Printf("<%s> %s\n", msg.SenderName, msg.Text)
			},
			EmergencyReceived: func(alert repository.EmergencyAlert) {
				fmt.Printf("!! emergency from %s: %s (%.4f, %.4f)\n", alert.SenderID.String(), alert.Message, alert.Lat, alert.Lon)
			},
		})
		if err != nil {
			return err
		}

		if name := c.String("display-name"); name != "" {
			backend.Profile.SetName(name)
		}

		if err := backend.Connect(ctx); err != nil {
			return err
		}

		peerID, err := backend.Identity.MyPeerID()
		if err != nil {
			return err
		}
		fmt.Printf("node ready, peer id %s (no peers reachable without pairing)\n", peerID.String())

		<-ctx.Done()
		return nil
	},
}

var demoCommand = &cli.Command{
	Name:  "demo",
	Usage: "spin up three simulated peers on a shared group and print the resulting chat/emergency history",
	Action: func(c *cli.Context) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		hub := transport.NewLoopbackHub()
		alice, err := bringUpDemoNode(ctx, hub, "Alice")
		if err != nil {
			return err
		}
		bob, err := bringUpDemoNode(ctx, hub, "Bob")
		if err != nil {
			return err
		}
		carol, err := bringUpDemoNode(ctx, hub, "Carol")
		if err != nil {
			return err
		}

		for _, pair := range [][2]*core.Backend{{alice, bob}, {alice, carol}, {bob, carol}} {
			if err := pairTrust(pair[0], pair[1]); err != nil {
				return err
			}
		}

		salt, err := group.GenerateSalt()
		if err != nil {
			return err
		}
		for _, b := range []*core.Backend{alice, bob, carol} {
			if _, err := b.Group.CreateOrJoin("a shared passphrase", "Demo Group", salt); err != nil {
				return err
			}
		}

		if err := alice.Chat.SendBroadcast(ctx, "hello from the field"); err != nil {
			return err
		}
		if err := bob.Chat.SendBroadcast(ctx, "copy, reading you"); err != nil {
			return err
		}
		if err := carol.Emergency.SendAlert(ctx, 1, 37.7749, -122.4194, "need assistance"); err != nil {
			return err
		}

		time.Sleep(300 * time.Millisecond)

		printChatHistory("Alice's view", alice.Chat.History())
		printChatHistory("Bob's view", bob.Chat.History())
		printEmergencyHistory("Bob's view", bob.Emergency.History())

		return nil
	},
}

func joinWithFreshIdentity(hub *transport.LoopbackHub, keystore transport.Keystore) (*transport.LoopbackTransport, error) {
	id := identity.New(keystore)
	if err := id.Initialize(); err != nil {
		return nil, err
	}
	peerID, err := id.MyPeerID()
	if err != nil {
		return nil, err
	}
	return hub.Join(peerID), nil
}

func bringUpDemoNode(ctx context.Context, hub *transport.LoopbackHub, name string) (*core.Backend, error) {
	keystore := transport.NewMemoryKeystore()
	tr, err := joinWithFreshIdentity(hub, keystore)
	if err != nil {
		return nil, err
	}

	backend, _, err := core.Init(ctx, "", keystore, tr, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	backend.Profile.SetName(name)
	if err := backend.Connect(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}

func pairTrust(a, b *core.Backend) error {
	aID, err := a.Identity.MyPeerID()
	if err != nil {
		return err
	}
	bID, err := b.Identity.MyPeerID()
	if err != nil {
		return err
	}
	aKey, err := a.Identity.SigningPublicKey()
	if err != nil {
		return err
	}
	bKey, err := b.Identity.SigningPublicKey()
	if err != nil {
		return err
	}
	a.Identity.LearnPeerKey(bID, bKey)
	b.Identity.LearnPeerKey(aID, aKey)
	return nil
}

func printChatHistory(title string, history []repository.ChatMessage) {
	fmt.Println(title)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"sender", "text", "local", "private"})
	for _, msg := range history {
		table.Append([]string{
			msg.SenderName,
			msg.Text,
			strconv.FormatBool(msg.IsLocal),
			strconv.FormatBool(msg.Private),
		})
	}
	table.Render()
}

func printEmergencyHistory(title string, history []repository.EmergencyAlert) {
	fmt.Println(title)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"sender", "message", "lat", "lon", "local"})
	for _, alert := range history {
		table.Append([]string{
			alert.SenderID.String(),
			alert.Message,
			strconv.FormatFloat(alert.Lat, 'f', 4, 64),
			strconv.FormatFloat(alert.Lon, 'f', 4, 64),
			strconv.FormatBool(alert.IsLocal),
		})
	}
	table.Render()
}
