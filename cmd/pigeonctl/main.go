package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matfraga/pigeon/internal/control"
	"github.com/matfraga/pigeon/internal/session"
	"github.com/matfraga/pigeon/internal/store"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := control.NewClient(session.SocketPath(sessionName))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl login <token>")
			os.Exit(1)
		}
		cmdLogin(c, args[1])
	case "retry":
		cmdRetry(c)
	case "roster":
		cmdRoster(c, *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl send <conversation> <content>")
			os.Exit(1)
		}
		cmdSend(c, args[1], args[2])
	case "log":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl log <conversation>")
			os.Exit(1)
		}
		cmdLog(c, args[1], *jsonFlag)
	case "open":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl open <conversation>")
			os.Exit(1)
		}
		cmdOpen(c, args[1])
	case "logout":
		cmdLogout(c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pigeonctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show session status")
	fmt.Fprintln(os.Stderr, "  login <token>              Store credential and connect")
	fmt.Fprintln(os.Stderr, "  retry                      Restart endpoint resolution after going offline")
	fmt.Fprintln(os.Stderr, "  roster                     Show the conversation list")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text> Send a message")
	fmt.Fprintln(os.Stderr, "  log <conversation>         Show recent messages")
	fmt.Fprintln(os.Stderr, "  open <conversation>        Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  logout                     Disconnect and clear the credential")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(c *control.Client, jsonOut bool) {
	var info control.StatusInfo
	if err := c.Call(control.CmdStatus, nil, &info); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(info)
		return
	}
	fmt.Printf("Session:  %s\n", info.Session)
	fmt.Printf("State:    %s\n", info.State)
	if info.Endpoint != "" {
		fmt.Printf("Endpoint: %s\n", info.Endpoint)
	}
	if info.UserID != "" {
		fmt.Printf("User:     %s (%s)\n", info.Username, info.UserID)
	}
	if len(info.OnlinePeers) > 0 {
		fmt.Printf("Online:   %d peer(s)\n", len(info.OnlinePeers))
	}
}

func cmdLogin(c *control.Client, token string) {
	if err := c.Call(control.CmdLogin, control.LoginArgs{Token: token}, nil); err != nil {
		fail(err)
	}
	fmt.Println("Logged in.")
}

func cmdRetry(c *control.Client) {
	if err := c.Call(control.CmdRetry, nil, nil); err != nil {
		fail(err)
	}
	fmt.Println("Reconnected.")
}

func cmdRoster(c *control.Client, jsonOut bool) {
	var convs []*store.Conversation
	if err := c.Call(control.CmdRoster, nil, &convs); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range convs {
		kind := "direct"
		if conv.IsGroup {
			kind = "group"
		}
		unread := ""
		if conv.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d unread]", conv.UnreadCount)
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Content
		}
		fmt.Printf("%-30s %-6s %s%s\n", conv.ID, kind, preview, unread)
	}
}

func cmdSend(c *control.Client, conversationID, content string) {
	var msg store.Message
	if err := c.Call(control.CmdSend, control.SendArgs{ConversationID: conversationID, Content: content}, &msg); err != nil {
		fail(err)
	}
	fmt.Printf("Sent %s\n", msg.ID)
}

func cmdLog(c *control.Client, conversationID string, jsonOut bool) {
	var msgs []*store.Message
	if err := c.Call(control.CmdLog, control.ConversationArgs{ConversationID: conversationID}, &msgs); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	// Oldest first for reading.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		ts := time.UnixMilli(m.CreatedAt).Format("15:04:05")
		body := m.Content
		if m.Unsent {
			body = "(message removed)"
		}
		fmt.Printf("[%s] %s: %s\n", ts, m.SenderID, body)
	}
}

func cmdOpen(c *control.Client, conversationID string) {
	if err := c.Call(control.CmdOpen, control.ConversationArgs{ConversationID: conversationID}, nil); err != nil {
		fail(err)
	}
	fmt.Println("Opened.")
}

func cmdLogout(c *control.Client) {
	if err := c.Call(control.CmdLogout, nil, nil); err != nil {
		fail(err)
	}
	fmt.Println("Logged out.")
}
