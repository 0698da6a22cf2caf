package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/qiminjie89/gamelobby/internal/protocol"
)

// 负载测试：每个客户端游客登录、自动匹配、准备，等待对局就绪后离座重来
var (
	numClients = flag.Int("clients", 100, "Number of concurrent clients")
	rampUp     = flag.Duration("rampup", 10*time.Second, "Ramp-up duration")
	duration   = flag.Duration("duration", 60*time.Second, "Test duration after ramp-up")
	rounds     = flag.Int("rounds", 0, "Matches per client, 0 for unlimited")
)

// Stats 统计
type Stats struct {
	connected    int64
	disconnected int64
	logins       int64
	seated       int64
	matches      int64
	errors       int64
}

var stats Stats

func mainLoadTest() {
	log.Printf("Starting load test...")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Ramp-up: %s", *rampUp)
	log.Printf("  Duration: %s", *duration)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 信号处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	go statsLoop(ctx)

	interval := *rampUp / time.Duration(max(*numClients, 1))
	var wg sync.WaitGroup

	// 逐步启动客户端
start:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runClient(ctx)
		}()

		select {
		case <-ctx.Done():
			break start
		case <-time.After(interval):
		}
	}

	log.Printf("All clients started. Running for %s...", *duration)

	select {
	case <-ctx.Done():
	case <-time.After(*duration):
		log.Printf("Test duration completed.")
		cancel()
	}

	wg.Wait()
	printFinalStats()
}

func runClient(ctx context.Context) {
	matched := make(chan struct{}, 1)
	c, err := dial(*serverAddr, func(msg *protocol.Message) {
		if msg.Type() == protocol.MsgMatchReady {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		atomic.AddInt64(&stats.errors, 1)
		return
	}
	defer c.close()

	atomic.AddInt64(&stats.connected, 1)
	defer func() {
		atomic.AddInt64(&stats.connected, -1)
		atomic.AddInt64(&stats.disconnected, 1)
	}()

	if _, _, err := c.login("", "", ""); err != nil {
		atomic.AddInt64(&stats.errors, 1)
		return
	}
	atomic.AddInt64(&stats.logins, 1)

	go c.heartbeatLoop(*heartbeat)

	for round := 0; *rounds == 0 || round < *rounds; round++ {
		if _, _, err := c.joinOrCreate("", int32(rand.Intn(8)+1)); err != nil {
			atomic.AddInt64(&stats.errors, 1)
			return
		}
		atomic.AddInt64(&stats.seated, 1)

		if err := c.setReady(true); err != nil {
			atomic.AddInt64(&stats.errors, 1)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			atomic.AddInt64(&stats.errors, 1)
			return
		case <-matched:
			atomic.AddInt64(&stats.matches, 1)
		}

		// 稍作停顿后离座，进入下一轮
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
		if _, err := c.request(protocol.NewMessage(protocol.MsgLeaveRoom)); err != nil {
			atomic.AddInt64(&stats.errors, 1)
			return
		}
	}
}

func statsLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("Stats: connected=%d logins=%d seated=%d matches=%d errors=%d",
				atomic.LoadInt64(&stats.connected),
				atomic.LoadInt64(&stats.logins),
				atomic.LoadInt64(&stats.seated),
				atomic.LoadInt64(&stats.matches),
				atomic.LoadInt64(&stats.errors),
			)
		}
	}
}

func printFinalStats() {
	log.Printf("=== Final Stats ===")
	log.Printf("  Still Connected: %d", atomic.LoadInt64(&stats.connected))
	log.Printf("  Total Disconnected: %d", atomic.LoadInt64(&stats.disconnected))
	log.Printf("  Logins: %d", atomic.LoadInt64(&stats.logins))
	log.Printf("  Seated: %d", atomic.LoadInt64(&stats.seated))
	log.Printf("  Match Ready Events: %d (both seats count)", atomic.LoadInt64(&stats.matches))
	log.Printf("  Errors: %d", atomic.LoadInt64(&stats.errors))
}
