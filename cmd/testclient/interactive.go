package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/qiminjie89/gamelobby/internal/protocol"
)

// mainInteractive 交互式测试客户端
func mainInteractive() {
	log.Printf("Interactive test client")
	log.Printf("  Server: %s", *serverAddr)

	c, err := dial(*serverAddr, func(msg *protocol.Message) {
		printMessage("RECV", msg)
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.close()

	go func() {
		<-c.done
		log.Printf("Connection closed")
		os.Exit(1)
	}()

	log.Printf("Connected. Type 'help' for commands.")

	// 交互式命令循环
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		parts := strings.Fields(line)
		cmd, args := parts[0], parts[1:]

		if cmd == "quit" || cmd == "exit" {
			log.Printf("Bye!")
			return
		}
		if cmd == "help" {
			printHelp()
			fmt.Print("> ")
			continue
		}

		msg, err := buildCommand(cmd, args)
		if err != nil {
			log.Printf("%v. Type 'help' for usage.", err)
			fmt.Print("> ")
			continue
		}

		printMessage("SEND", msg)
		if err := c.send(msg); err != nil {
			log.Printf("Send failed: %v", err)
		}
		fmt.Print("> ")
	}
}

func printHelp() {
	fmt.Println(`
Commands:
  help                       - Show this help
  register <user> <pass>     - Register an account
  guest                      - Auto-register a guest and log in
  login <user> <pass>        - Password login
  token <token>              - Token login
  logout                     - Log out and disconnect
  lobby [page]               - List rooms
  create [name] [map_id] [private]
  join [room_id] [slot]      - Join a room (no room_id for auto-match)
  leave                      - Leave the current room
  ready [true|false]         - Set ready state
  rename <name>              - Change room name
  map <map_id>               - Change room map
  hb                         - Send heartbeat
  raw <type> [k=v ...]       - Send arbitrary message
  quit                       - Exit

Examples:
  login alice secret
  create duel 3
  join 1 1
  raw 106 name=renamed map_id=2`)
}

// buildCommand 把一行命令转换成协议消息
func buildCommand(cmd string, args []string) (*protocol.Message, error) {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case "register", "login":
		if len(args) < 2 {
			return nil, fmt.Errorf("usage: %s <user> <pass>", cmd)
		}
		msgType := protocol.MsgRegister
		if cmd == "login" {
			msgType = protocol.MsgLoginPassword
		}
		return protocol.NewMessage(msgType).
			Set(protocol.KeyUserName, protocol.String(args[0])).
			Set(protocol.KeyPassword, protocol.String(args[1])), nil

	case "guest":
		return protocol.NewMessage(protocol.MsgAutoRegister), nil

	case "token":
		if len(args) < 1 {
			return nil, fmt.Errorf("usage: token <token>")
		}
		return protocol.NewMessage(protocol.MsgLoginToken).Set(protocol.KeyToken, protocol.String(args[0])), nil

	case "logout":
		return protocol.NewMessage(protocol.MsgLogout), nil

	case "lobby":
		msg := protocol.NewMessage(protocol.MsgJoinLobby)
		if p, err := strconv.Atoi(arg(0)); err == nil {
			msg = protocol.NewMessage(protocol.MsgRefreshLobby).Set(protocol.KeyPage, protocol.Int(int64(p)))
		}
		return msg, nil

	case "create":
		msg := protocol.NewMessage(protocol.MsgCreateRoom)
		if name := arg(0); name != "" {
			msg.Set(protocol.KeyName, protocol.String(name))
		}
		if m, err := strconv.Atoi(arg(1)); err == nil {
			msg.Set(protocol.KeyMapID, protocol.Int(int64(m)))
		}
		if arg(2) == "private" {
			msg.Set(protocol.KeyIsPrivate, protocol.Bool(true))
		}
		return msg, nil

	case "join":
		msg := protocol.NewMessage(protocol.MsgJoinRoom)
		if id := arg(0); id != "" {
			msg.Set(protocol.KeyRoomID, protocol.String(id))
		}
		if slot, err := strconv.Atoi(arg(1)); err == nil {
			msg.Set(protocol.KeySlot, protocol.Int(int64(slot)))
		}
		return msg, nil

	case "leave":
		return protocol.NewMessage(protocol.MsgLeaveRoom), nil

	case "ready":
		return protocol.NewMessage(protocol.MsgSetReady).
			Set(protocol.KeyIsReady, protocol.Bool(arg(0) != "false")), nil

	case "rename":
		if len(args) < 1 {
			return nil, fmt.Errorf("usage: rename <name>")
		}
		return protocol.NewMessage(protocol.MsgChangeRoomInfo).
			Set(protocol.KeyName, protocol.String(strings.Join(args, " "))), nil

	case "map":
		m, err := strconv.Atoi(arg(0))
		if err != nil {
			return nil, fmt.Errorf("usage: map <map_id>")
		}
		return protocol.NewMessage(protocol.MsgChangeRoomInfo).Set(protocol.KeyMapID, protocol.Int(int64(m))), nil

	case "hb", "heartbeat":
		return protocol.NewMessage(protocol.MsgHeartbeat), nil

	case "raw":
		msgType, err := strconv.ParseInt(arg(0), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("usage: raw <type> [k=v ...]")
		}
		msg := protocol.NewMessage(int32(msgType))
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if ok {
				msg.Set(k, parseValue(v))
			}
		}
		return msg, nil
	}
	return nil, fmt.Errorf("unknown command: %s", cmd)
}

// parseValue 尝试解析为整数、浮点、布尔，否则为字符串
func parseValue(s string) protocol.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return protocol.Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return protocol.Float(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return protocol.Bool(b)
	}
	return protocol.String(s)
}
