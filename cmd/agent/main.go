// CodeSync agent: a headless room participant. It joins (or creates) a room,
// mirrors the shared tree, prints broadcasts, and accepts line commands for
// editing, running, and chatting. Useful for demos and for poking at a live
// server without the web editor.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codesync/codesync/internal/client"
	"github.com/codesync/codesync/internal/logging"
	"github.com/codesync/codesync/internal/protocol"
	"github.com/codesync/codesync/internal/tree"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws", "server websocket URL")
		roomID    = flag.String("room", "", "room id to join (omit to create a new room)")
		name      = flag.String("name", "agent", "display name")
		timeout   = flag.Duration("sandbox-timeout", 2*time.Second, "local run timeout")
	)
	flag.Parse()

	logging.InitDefault()
	defer logging.Sync()

	handlers := client.Handlers{
		OnRoomCreated: func(id string) {
			fmt.Printf("room created: %s\n", id)
		},
		OnJoinRejected: func() {
			fmt.Println("join rejected: invalid room id")
			os.Exit(1)
		},
		OnUsersUpdate: func(users []protocol.User) {
			names := make([]string, len(users))
			for i, u := range users {
				names[i] = u.Name
			}
			fmt.Printf("members (%d): %s\n", len(users), strings.Join(names, ", "))
		},
		OnChatMessage: func(msg protocol.ChatMessage) {
			fmt.Printf("[chat] %s: %s\n", msg.User, msg.Text)
		},
		OnUpdateRejected: func(reason string) {
			fmt.Printf("rejected: %s\n", reason)
		},
		OnDisconnect: func(err error) {
			fmt.Println("disconnected")
			os.Exit(0)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess, err := client.Dial(ctx, *serverURL, handlers, *timeout)
	if err != nil {
		logging.Fatal("connect failed", zap.String("server", *serverURL), zap.Error(err))
	}
	defer sess.Close()

	if *roomID == "" {
		err = sess.CreateRoom(*name)
	} else {
		err = sess.Join(*roomID, *name)
	}
	if err != nil {
		logging.Fatal("room request failed", zap.Error(err))
	}

	fmt.Println("commands: ls, cat <path>, open <path>, write <path> <text>, touch <parent> <name>, mkdir <parent> <name>, rm <path>, run, say <text>, quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if quit := execute(sess, scanner.Text()); quit {
			return
		}
	}
}

func execute(sess *client.Session, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	fail := func(err error) {
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	switch cmd {
	case "ls":
		printTree(sess.State().Replica(), 0)
	case "cat":
		if len(args) != 1 {
			fmt.Println("usage: cat <path>")
			return false
		}
		node, err := tree.Resolve(sess.State().Replica(), args[0])
		if err != nil {
			fail(err)
			return false
		}
		if node.Type != tree.KindFile {
			fmt.Printf("%s is a folder\n", args[0])
			return false
		}
		fmt.Println(node.Content)
	case "open":
		if len(args) != 1 {
			fmt.Println("usage: open <path>")
			return false
		}
		fail(sess.State().Select(args[0]))
	case "write":
		if len(args) < 2 {
			fmt.Println("usage: write <path> <text>")
			return false
		}
		fail(sess.SetContent(args[0], strings.Join(args[1:], " ")))
	case "touch":
		if len(args) != 2 {
			fmt.Println("usage: touch <parent> <name>")
			return false
		}
		fail(sess.CreateEntry(args[0], args[1], tree.KindFile))
	case "mkdir":
		if len(args) != 2 {
			fmt.Println("usage: mkdir <parent> <name>")
			return false
		}
		fail(sess.CreateEntry(args[0], args[1], tree.KindFolder))
	case "rm":
		if len(args) != 1 {
			fmt.Println("usage: rm <path>")
			return false
		}
		fail(sess.DeleteEntry(args[0]))
	case "run":
		res, err := sess.Run()
		if err != nil {
			fail(err)
			return false
		}
		fmt.Println(res.Output())
	case "say":
		if len(args) == 0 {
			fmt.Println("usage: say <text>")
			return false
		}
		fail(sess.Chat("agent", strings.Join(args, " ")))
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	return false
}

func printTree(t tree.Tree, depth int) {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		node := t[name]
		indent := strings.Repeat("  ", depth)
		if node.Type == tree.KindFolder {
			fmt.Printf("%s%s/\n", indent, name)
			printTree(node.Children, depth+1)
		} else {
			fmt.Printf("%s%s\n", indent, name)
		}
	}
}
