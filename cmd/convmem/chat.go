package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/convmem/internal/conversation"
	"github.com/szaher/convmem/internal/llm"
	"github.com/szaher/convmem/internal/memory"
	"github.com/szaher/convmem/internal/runtime"
)

func newChatCmd() *cobra.Command {
	var (
		key       string
		drainWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a conversation interactively",
		Long: `Reads one message per line from stdin and prints the reply. Compaction
jobs triggered during the session are given time to finish on exit; any
still running are checkpointed and resumed by the next serve.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, _, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				drainCtx, drainCancel := context.WithTimeout(context.Background(), drainWait)
				defer drainCancel()
				waitDrained(drainCtx, rt)
				_ = rt.Shutdown(drainCtx)
			}()

			return chatLoop(ctx, rt.Conversations(), key, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&key, "key", runtime.DefaultUserKey, "Conversation key")
	cmd.Flags().DurationVar(&drainWait, "drain-wait", 30*time.Second, "Time allowed for compaction jobs to finish on exit")

	return cmd
}

func chatLoop(ctx context.Context, conversations *conversation.Manager, key string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		reply, err := conversations.HandleTurns(ctx, key, []memory.Turn{{Role: llm.RoleUser, Content: line}})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n> ", reply)
	}
	fmt.Fprintln(out)
	return scanner.Err()
}

// waitDrained blocks until the runner has no in-flight jobs or ctx is done.
func waitDrained(ctx context.Context, rt *runtime.Runtime) {
	done := make(chan struct{})
	go func() {
		rt.Runner().Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
