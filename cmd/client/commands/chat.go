package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"driftchat/pkg/client"
	"driftchat/pkg/identity"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Connect to the relay and chat interactively",
		Long: `Connect to the relay and chat interactively.

Commands:
  /msg <key-prefix> <text>   send a signed message to a peer
  /retry                     re-send the last undelivered message (fresh signature)
  /peers                     list who is online
  /quit                      disconnect`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			kp, err := ring.Load(name, passphrase)
			if err != nil {
				return err
			}

			c, err := client.Dial(context.Background(), serverURL, kp)
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Printf("Connected as %s (%s)\n", name, kp.Public.Short())

			roster := newRoster()
			failed := &lastFailed{}
			done := make(chan struct{})
			go func() {
				defer close(done)
				printEvents(c, roster, failed)
			}()

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					break
				}
				if err := handleLine(c, roster, failed, line); err != nil {
					fmt.Printf("! %v\n", err)
				}
				select {
				case <-done:
					return fmt.Errorf("connection lost")
				default:
				}
			}
			c.Close()
			<-done
			return scanner.Err()
		},
	}
}

// roster tracks who is online, fed by lobby events.
type roster struct {
	mu    sync.Mutex
	peers map[identity.PublicKey]struct{}
}

func newRoster() *roster {
	return &roster{peers: make(map[identity.PublicKey]struct{})}
}

func (r *roster) set(peers []identity.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[identity.PublicKey]struct{}, len(peers))
	for _, p := range peers {
		r.peers[p] = struct{}{}
	}
}

func (r *roster) add(p identity.PublicKey)    { r.mu.Lock(); r.peers[p] = struct{}{}; r.mu.Unlock() }
func (r *roster) remove(p identity.PublicKey) { r.mu.Lock(); delete(r.peers, p); r.mu.Unlock() }

func (r *roster) list() []identity.PublicKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.PublicKey, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// resolve matches a hex prefix against the online roster.
func (r *roster) resolve(prefix string) (identity.PublicKey, error) {
	var zero identity.PublicKey
	if full, err := identity.ParsePublicKey(prefix); err == nil {
		return full, nil
	}

	var matches []identity.PublicKey
	for _, p := range r.list() {
		if strings.HasPrefix(p.Hex(), strings.ToLower(prefix)) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return zero, fmt.Errorf("no online peer matches %q (full keys reach offline peers too)", prefix)
	default:
		return zero, fmt.Errorf("prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

// lastFailed remembers the most recent undelivered message for /retry.
type lastFailed struct {
	mu   sync.Mutex
	to   identity.PublicKey
	text string
}

func (f *lastFailed) set(to identity.PublicKey, text string) {
	f.mu.Lock()
	f.to, f.text = to, text
	f.mu.Unlock()
}

func (f *lastFailed) take() (identity.PublicKey, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.text == "" {
		return identity.PublicKey{}, "", false
	}
	to, text := f.to, f.text
	f.to, f.text = identity.PublicKey{}, ""
	return to, text, true
}

func handleLine(c *client.Client, roster *roster, failed *lastFailed, line string) error {
	switch {
	case line == "/peers":
		peers := roster.list()
		if len(peers) == 0 {
			fmt.Println("nobody else is online")
			return nil
		}
		for _, p := range peers {
			fmt.Printf("  %s\n", p.Hex())
		}
		return nil

	case strings.HasPrefix(line, "/msg "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/msg "))
		target, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return fmt.Errorf("usage: /msg <key-prefix> <text>")
		}
		to, err := roster.resolve(target)
		if err != nil {
			return err
		}
		if _, err := c.Send(to, text); err != nil {
			return err
		}
		return nil

	case line == "/retry":
		to, text, ok := failed.take()
		if !ok {
			return fmt.Errorf("nothing to retry")
		}
		// A retry is a brand-new send: fresh timestamp, fresh signature.
		if _, err := c.Send(to, text); err != nil {
			return err
		}
		fmt.Printf("retrying to %s\n", to.Short())
		return nil

	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %q", strings.Fields(line)[0])

	default:
		return fmt.Errorf("no recipient; use /msg <key-prefix> <text>")
	}
}

func printEvents(c *client.Client, roster *roster, failed *lastFailed) {
	for ev := range c.Events() {
		switch e := ev.(type) {
		case client.LobbySnapshot:
			roster.set(e.Peers)
			fmt.Printf("* %d peer(s) online\n", len(e.Peers))
		case client.PeerJoined:
			roster.add(e.Peer)
			fmt.Printf("* %s joined\n", e.Peer.Short())
		case client.PeerLeft:
			roster.remove(e.Peer)
			fmt.Printf("* %s left\n", e.Peer.Short())
		case client.Message:
			mark := ""
			if !e.Verified {
				mark = " [UNVERIFIED]"
			}
			fmt.Printf("<%s>%s %s\n", e.From.Short(), mark, e.Text)
		case client.SendFailed:
			if e.Text != "" {
				failed.set(e.To, e.Text)
				fmt.Printf("! %s is offline; %q was not delivered (/retry to re-send)\n", e.To.Short(), e.Text)
			} else {
				fmt.Printf("! %s is offline; message %s was not delivered\n", e.To.Short(), e.Ref[:12])
			}
		case client.ServerError:
			fmt.Printf("! server: %s (%s)\n", e.Reason, e.Details)
		case client.Disconnected:
			if e.Err != nil {
				fmt.Printf("* disconnected: %v\n", e.Err)
			} else {
				fmt.Println("* disconnected")
			}
		}
	}
}
